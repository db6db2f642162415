// Package sim provides emulated assign, power and repartition devices. Their
// state is kept in files so a running arbiterd can be inspected from outside.
package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"vistara-arbiter/pkg/defaults"
	"vistara-arbiter/pkg/models"
)

// State locates the device files below a state root.
type State struct {
	stateRoot string
	fs        afero.Fs
}

// NewState creates the state root if needed.
func NewState(stateDir string, fs afero.Fs) (*State, error) {
	if err := fs.MkdirAll(stateDir, defaults.DataDirPerm); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", stateDir, err)
	}

	return &State{stateRoot: stateDir, fs: fs}, nil
}

func (s *State) Root() string {
	return s.stateRoot
}

func (s *State) AssignedVMPath(id models.ResourceID) string {
	return filepath.Join(s.stateRoot, "assign", strconv.FormatUint(uint64(id), 10), "assigned_vm")
}

func (s *State) PowerPath() string {
	return filepath.Join(s.stateRoot, "power", "state")
}

func (s *State) PartitionPath(id models.ResourceID) string {
	return filepath.Join(s.stateRoot, "partition", strconv.FormatUint(uint64(id), 10)+".json")
}

// AssignedVM reads the VM bound to interface id, or models.UnassignedVM.
func (s *State) AssignedVM(id models.ResourceID) (int64, error) {
	data, err := s.readFile(s.AssignedVMPath(id))
	if os.IsNotExist(err) {
		return models.UnassignedVM, nil
	}
	if err != nil {
		return models.UnassignedVM, err
	}

	vm, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return models.UnassignedVM, fmt.Errorf("parsing %s: %w", s.AssignedVMPath(id), err)
	}

	return vm, nil
}

func (s *State) SetAssignedVM(id models.ResourceID, vm int64) error {
	return s.writeFile(s.AssignedVMPath(id), []byte(strconv.FormatInt(vm, 10)+"\n"))
}

// Powered reports whether the power file says on.
func (s *State) Powered() (bool, error) {
	data, err := s.readFile(s.PowerPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(string(data)) == "on", nil
}

func (s *State) SetPowered(on bool) error {
	value := "off"
	if on {
		value = "on"
	}

	return s.writeFile(s.PowerPath(), []byte(value+"\n"))
}

// Partition reads the stored profile of partition id.
func (s *State) Partition(id models.ResourceID, out interface{}) error {
	data, err := s.readFile(s.PartitionPath(id))
	if err != nil {
		return fmt.Errorf("partition %d: %w", id, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshalling partition %d: %w", id, err)
	}

	return nil
}

func (s *State) SetPartition(id models.ResourceID, profile interface{}) error {
	data, err := json.MarshalIndent(profile, "", " ")
	if err != nil {
		return fmt.Errorf("marshalling: %w", err)
	}

	return s.writeFile(s.PartitionPath(id), data)
}

func (s *State) readFile(path string) ([]byte, error) {
	file, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	return data, nil
}

func (s *State) writeFile(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), defaults.DataDirPerm); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}

	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.DataFilePerm)
	if err != nil {
		return fmt.Errorf("opening output file %s: %w", path, err)
	}

	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("writing output file %s: %w", path, err)
	}

	return nil
}
