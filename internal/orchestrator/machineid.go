package orchestrator

import (
	"errors"
	"os"
	"strings"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID is the stable host identity used to tag sessions, falling back
// to the hostname when no machine-id file is readable.
func MachineID() (string, error) {
	return machineID(machineIDFiles, os.Hostname)
}

func machineID(files []string, hostname func() (string, error)) (string, error) {
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	h, err := hostname()
	if err != nil {
		return "", err
	}
	if h == "" {
		return "", errors.New("no machine id available")
	}
	return h, nil
}
