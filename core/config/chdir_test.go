package config

import (
	"os"
	"testing"
)

// chdir changes the working directory for the duration of the test and
// restores it via t.Cleanup, standing in for testing.T.Chdir which
// requires Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Errorf("restore working directory %s: %v", wd, err)
		}
	})
}
