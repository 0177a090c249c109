package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
)

var memProfiles = []string{"heap", "allocs"}

// writeMemProfiles writes agentrun_<profile>.profile files into dir.
func writeMemProfiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memprofile: %w", err)
	}
	var errList []error
	for _, name := range memProfiles {
		errList = append(errList, writeProfile(filepath.Join(dir, "agentrun_"+name+".profile"), name))
	}
	return errors.Join(errList...)
}

func writeProfile(path, name string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("memprofile: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := pprof.Lookup(name).WriteTo(f, 0); err != nil {
		return fmt.Errorf("memprofile %s: %w", name, err)
	}
	return nil
}
