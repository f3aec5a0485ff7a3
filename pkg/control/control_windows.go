//go:build windows

package control

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func openService(access uint32) (*mgr.Mgr, *mgr.Service, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open Service Control Manager: %w", err)
	}
	s, err := m.OpenService(ServiceName)
	if err != nil {
		m.Disconnect()
		return nil, nil, fmt.Errorf("failed to open service %s: %w", ServiceName, err)
	}
	return m, s, nil
}

func checkStatus() (bool, error) {
	m, s, err := openService(0)
	if err != nil {
		return false, err
	}
	defer m.Disconnect()
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return false, fmt.Errorf("failed to query service status: %w", err)
	}
	return status.State == svc.Running, nil
}

func startDaemon() error {
	m, s, err := openService(0)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return nil
}

func stopDaemon() error {
	m, s, err := openService(0)
	if err != nil {
		return err
	}
	defer m.Disconnect()
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	return nil
}

func restartDaemon() error {
	if err := stopDaemon(); err != nil {
		return err
	}
	return startDaemon()
}
