package fleet

import (
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Values applied to hosts that don't set them in the inventory.
type Defaults struct {
	// Command line executed on each host.
	Command string

	// Directory where per-host job descriptors are generated.
	JobDir string

	// Base directory for save directories if the class has none.
	SaveDir string

	// Number of archives kept per host.
	HistoryCount int
}

const jobExtension = ".rdi"

func (d *Defaults) apply(host *Host) {
	host.Name = NormalizeName(host.Name)

	if host.Command == "" {
		host.Command = d.Command
	}
	if host.SaveDir == "" {
		host.SaveDir = d.SaveDir
	}
	if host.HistoryCount <= 0 {
		host.HistoryCount = d.HistoryCount
	}
	if host.JobFile == "" && d.JobDir != "" {
		host.JobFile = filepath.Join(d.JobDir, host.Name+jobExtension)
	}
	if host.Address == "" {
		host.Address = host.Name
	}
}

type xmlTargets struct {
	Classes []xmlClass `xml:"Classes>Class"`
}

type xmlClass struct {
	Name    string    `xml:"ClassName"`
	SaveDir string    `xml:"Savedir"`
	Hosts   []xmlHost `xml:"Host"`
}

type xmlHost struct {
	Name    string `xml:"ComputerName"`
	Address string `xml:"Address"`
	User    string `xml:"User"`
	Enabled string `xml:"Enabled"`
}

// ParseXML reads a targets file of the form
//
//	<Targets><Classes><Class><ClassName/><Savedir/><Host>...</Host></Class></Classes></Targets>
func ParseXML(r io.Reader, defaults Defaults) (Fleet, error) {
	targets := xmlTargets{}
	if err := xml.NewDecoder(r).Decode(&targets); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrParse, err)
	}

	fleet := Fleet{}
	for _, class := range targets.Classes {
		for _, entry := range class.Hosts {
			host := &Host{
				Name:        entry.Name,
				Address:     strings.TrimSpace(entry.Address),
				Class:       strings.TrimSpace(class.Name),
				PrimaryUser: strings.TrimSpace(entry.User),
				Enabled:     strings.EqualFold(strings.TrimSpace(entry.Enabled), "true"),
				SaveDir:     strings.TrimSpace(class.SaveDir),
			}
			defaults.apply(host)
			fleet = append(fleet, host)
		}
	}

	return fleet, fleet.validate()
}

type yamlInventory struct {
	Classes []yamlClass `yaml:"classes"`
}

type yamlClass struct {
	Name         string     `yaml:"name"`
	SaveDir      string     `yaml:"save_dir"`
	HistoryCount int        `yaml:"history_count"`
	Hosts        []yamlHost `yaml:"hosts"`
}

type yamlHost struct {
	Host    `yaml:",inline"`
	Enabled *bool `yaml:"enabled"`
}

// ParseYAML reads an inventory of the form
//
//	classes:
//	  - name: workstation
//	    save_dir: /srv/backup
//	    hosts:
//	      - name: alpha
//	        user: jdoe
//
// Hosts are enabled unless they say otherwise.
func ParseYAML(r io.Reader, defaults Defaults) (Fleet, error) {
	inventory := yamlInventory{}
	if err := yaml.NewDecoder(r).Decode(&inventory); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", utils.ErrParse, err)
	}

	fleet := Fleet{}
	for _, class := range inventory.Classes {
		for _, entry := range class.Hosts {
			host := entry.Host
			host.Class = class.Name
			host.Enabled = entry.Enabled == nil || *entry.Enabled
			if host.SaveDir == "" {
				host.SaveDir = class.SaveDir
			}
			if host.HistoryCount <= 0 {
				host.HistoryCount = class.HistoryCount
			}
			defaults.apply(&host)
			fleet = append(fleet, &host)
		}
	}

	return fleet, fleet.validate()
}

// Load reads an inventory file, XML or YAML depending on its extension.
func Load(fs afero.Fs, path string, defaults Defaults) (Fleet, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var fleet Fleet

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		fleet, err = ParseXML(file, defaults)
	case ".yaml", ".yml":
		fleet, err = ParseYAML(file, defaults)
	default:
		return nil, fmt.Errorf("%w: unsupported inventory format: %s", utils.ErrParse, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.Debugf("load - inventory - path: %s, hosts: %d", path, len(fleet))
	return fleet, nil
}

func (f Fleet) validate() error {
	for i, host := range f {
		if host.Name == "" {
			return fmt.Errorf("%w: host %d in class %q has no name", utils.ErrParse, i, host.Class)
		}
		if strings.Contains(host.Name, ":") {
			return fmt.Errorf("%w: host name %q contains ':'", utils.ErrParse, host.Name)
		}
	}
	return nil
}
