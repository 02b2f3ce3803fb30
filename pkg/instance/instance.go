package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var ErrAlreadyRunning = errors.New("another instance is running")

// Overridden in tests.
var (
	processAlive = isProcessAlive
	currentPid   = os.Getpid
	machineId    = func() string {
		if id, err := machineid.ProtectedID("autobackup"); err == nil {
			return id
		}
		hostname, _ := os.Hostname()
		return hostname
	}
)

// Contents of the lock file.
type Owner struct {
	Pid     int       `yaml:"pid"`
	Machine string    `yaml:"machine"`
	Started time.Time `yaml:"started"`
}

// A held single-instance lock.
type Lock struct {
	fs    afero.Fs
	path  string
	Owner Owner
}

// Acquire takes the lock at path, or returns ErrAlreadyRunning if it is
// held by a live process. A lock left behind by a dead process on this
// machine is replaced. Locks owned by other machines are never replaced.
func Acquire(fs afero.Fs, path string) (*Lock, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, err
	}

	owner := Owner{
		Pid:     currentPid(),
		Machine: machineId(),
		Started: time.Now(),
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := create(fs, path, owner)
		if err == nil {
			log.Debug("lock - instance - path:", path, "pid:", owner.Pid)
			return &Lock{fs: fs, path: path, Owner: owner}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		holder, err := Read(fs, path)
		if err != nil {
			log.Warn("lock - instance - unreadable lock, replacing:", err)
		} else if holder.Machine != owner.Machine {
			return nil, fmt.Errorf("%w: pid %d on another machine since %s", ErrAlreadyRunning, holder.Pid, holder.Started.Format(time.RFC3339))
		} else if holder.Pid != owner.Pid && processAlive(holder.Pid) {
			return nil, fmt.Errorf("%w: pid %d since %s", ErrAlreadyRunning, holder.Pid, holder.Started.Format(time.RFC3339))
		} else {
			log.Warn("lock - instance - stale lock, replacing - pid:", holder.Pid)
		}

		if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: lock contended", ErrAlreadyRunning)
}

func create(fs afero.Fs, path string, owner Owner) error {
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(&owner)
}

// Read returns the owner recorded in the lock file.
func Read(fs afero.Fs, path string) (*Owner, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	owner := &Owner{}
	if err := yaml.Unmarshal(data, owner); err != nil {
		return nil, err
	}
	return owner, nil
}

// Release removes the lock file if it is still owned by this lock.
func (l *Lock) Release() error {
	holder, err := Read(l.fs, l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if holder.Pid != l.Owner.Pid || holder.Machine != l.Owner.Machine {
		log.Warn("unlock - instance - lock taken over by pid", holder.Pid)
		return nil
	}

	return l.fs.Remove(l.path)
}
