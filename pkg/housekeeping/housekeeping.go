package housekeeping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/afero"
)

const (
	// Extension of backup archives.
	ArchiveExtension = ".arc"

	// Replaced with the archive path when generating job descriptors.
	Placeholder = "IMAGE_PLACEHOLDER"

	dateFormat = "2006_01-02"
)

var ErrArchiveExists = errors.New("archive already exists")

// Housekeeper maintains the save directories of hosts.
//
// Each host saves to "<save dir>/<HOST> - <user or class>", one archive
// per day named "<HOST>_<yyyy_mm-dd>.arc".
type Housekeeper struct {
	fs          afero.Fs
	jobTemplate string
	now         func() time.Time

	mu       sync.Mutex
	archives map[string]string
}

// New returns a housekeeper operating on fs.
// Job descriptors are generated from the template file, if given.
func New(fs afero.Fs, jobTemplate string) *Housekeeper {
	return &Housekeeper{
		fs:          fs,
		jobTemplate: jobTemplate,
		now:         time.Now,
		archives:    map[string]string{},
	}
}

// SaveDirectory returns the directory where the host's archives are stored.
func SaveDirectory(host *fleet.Host) string {
	return filepath.Join(host.SaveDir, fmt.Sprintf("%s - %s", host.Id(), host.Owner()))
}

// ArchiveName returns the name of the archive created for the host at a given time.
func ArchiveName(host *fleet.Host, at time.Time) string {
	return fmt.Sprintf("%s_%s%s", host.Id(), at.Format(dateFormat), ArchiveExtension)
}

// Archive returns the archive path chosen for the host when it was prepared.
func (h *Housekeeper) Archive(host *fleet.Host) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path, ok := h.archives[host.Id()]
	return path, ok
}

// Prepare sets up the save directory before the host is launched.
// Fails if today's archive already exists.
func (h *Housekeeper) Prepare(host *fleet.Host) error {
	if host.SaveDir == "" {
		return fmt.Errorf("%w: no save directory for host %s", utils.ErrInvalidConfig, host.Id())
	}

	saveDir := SaveDirectory(host)
	if err := h.fs.MkdirAll(saveDir, 0777); err != nil {
		return err
	}

	if err := h.consolidate(host, saveDir); err != nil {
		log.Warn("consolidate - host - id:", host.Id(), "err:", err)
	}

	archive := filepath.Join(saveDir, ArchiveName(host, h.now()))
	if exists, err := afero.Exists(h.fs, archive); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrArchiveExists, archive)
	}

	if err := h.prune(saveDir, host.HistoryCount); err != nil {
		log.Warn("prune - host - id:", host.Id(), "err:", err)
	}

	if err := h.generateJob(host, archive); err != nil {
		return fmt.Errorf("job descriptor: %w", err)
	}

	h.mu.Lock()
	h.archives[host.Id()] = archive
	h.mu.Unlock()

	log.Debug("prepared - host - id:", host.Id(), "archive:", archive)
	return nil
}

// PostSuccess removes archives beyond the host's history count.
func (h *Housekeeper) PostSuccess(host *fleet.Host) error {
	h.mu.Lock()
	delete(h.archives, host.Id())
	h.mu.Unlock()

	return h.prune(SaveDirectory(host), host.HistoryCount)
}

// PostFailure deletes the partial archive of a failed host, if any.
func (h *Housekeeper) PostFailure(host *fleet.Host) error {
	h.mu.Lock()
	archive, ok := h.archives[host.Id()]
	delete(h.archives, host.Id())
	h.mu.Unlock()

	if !ok {
		archive = filepath.Join(SaveDirectory(host), ArchiveName(host, h.now()))
	}

	exists, err := afero.Exists(h.fs, archive)
	if err != nil || !exists {
		return err
	}

	if err := h.fs.Remove(archive); err != nil {
		return fmt.Errorf("cannot delete partial archive: %w", err)
	}

	log.Info("deleted - archive - host:", host.Id(), "path:", archive)
	return nil
}

// Moves the contents of other directories named after the host into saveDir.
func (h *Housekeeper) consolidate(host *fleet.Host, saveDir string) error {
	entries, err := afero.ReadDir(h.fs, host.SaveDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(strings.ToUpper(entry.Name()), host.Id()) {
			continue
		}

		dir := filepath.Join(host.SaveDir, entry.Name())
		if dir == saveDir {
			continue
		}

		log.Info("duplicate - directory - host:", host.Id(), "path:", dir)

		children, err := afero.ReadDir(h.fs, dir)
		if err != nil {
			return err
		}

		for _, child := range children {
			target := filepath.Join(saveDir, child.Name())
			if err := h.fs.Rename(filepath.Join(dir, child.Name()), target); err != nil {
				return err
			}
			log.Debug("moved - file -", child.Name(), "to", saveDir)
		}

		if empty, err := afero.IsEmpty(h.fs, dir); err != nil || !empty {
			return fmt.Errorf("duplicate directory not empty: %s", dir)
		}

		if err := h.fs.Remove(dir); err != nil {
			return err
		}
	}

	return nil
}

// Deletes the oldest archives until at most keep remain.
func (h *Housekeeper) prune(saveDir string, keep int) error {
	if keep <= 0 {
		return nil
	}

	entries, err := afero.ReadDir(h.fs, saveDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	archives := []os.FileInfo{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ArchiveExtension) {
			archives = append(archives, entry)
		}
	}

	sort.SliceStable(archives, func(i, j int) bool {
		if archives[i].ModTime().Equal(archives[j].ModTime()) {
			return archives[i].Name() < archives[j].Name()
		}
		return archives[i].ModTime().Before(archives[j].ModTime())
	})

	for len(archives) > keep {
		path := filepath.Join(saveDir, archives[0].Name())
		if err := h.fs.Remove(path); err != nil {
			return err
		}
		log.Infof("pruned - archive - path: %s, limit: %d", path, keep)
		archives = archives[1:]
	}

	return nil
}

// Writes the host's job descriptor from the template.
func (h *Housekeeper) generateJob(host *fleet.Host, archive string) error {
	if h.jobTemplate == "" || host.JobFile == "" {
		return nil
	}

	template, err := afero.ReadFile(h.fs, h.jobTemplate)
	if err != nil {
		return err
	}

	if err := h.fs.MkdirAll(filepath.Dir(host.JobFile), 0777); err != nil {
		return err
	}

	content := strings.ReplaceAll(string(template), Placeholder, archive)
	return afero.WriteFile(h.fs, host.JobFile, []byte(content), 0666)
}
