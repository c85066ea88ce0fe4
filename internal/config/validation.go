package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configurations that would leave a process unable to
// serve. Both binaries share one Config, so worker settings are checked
// even when the primary loads it.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be 'console' or 'json'", c.Log.Format)
	}
	if c.Server.Name == "" {
		return errors.New("server.name must not be empty")
	}

	seen := make(map[string]bool, len(c.Primary.DefaultGroups))
	for _, g := range c.Primary.DefaultGroups {
		if strings.TrimSpace(g) == "" {
			return errors.New("primary.defaultGroups must not contain empty names")
		}
		if seen[g] {
			return fmt.Errorf("duplicate default group %q", g)
		}
		seen[g] = true
	}
	if c.Primary.WorkerCount < 0 {
		return errors.New("primary.workerCount must not be negative")
	}
	if c.Primary.WorkerCount > 0 {
		if c.Primary.WorkerBinary == "" {
			return errors.New("primary.workerBinary is required when primary.workerCount > 0")
		}
		last := c.Primary.WorkerBasePort + c.Primary.WorkerCount - 1
		if c.Primary.WorkerBasePort < 1 || last > 65535 {
			return fmt.Errorf("worker port range %d-%d is invalid", c.Primary.WorkerBasePort, last)
		}
	}
	if c.Primary.HealthInterval <= 0 {
		return errors.New("primary.healthInterval must be positive")
	}

	if c.Worker.ID < 1 {
		return errors.New("worker.id must be at least 1; 0 is reserved for the primary")
	}
	if c.Worker.PrimaryURL == "" {
		return errors.New("worker.primaryURL must not be empty")
	}
	if c.Worker.RegistrationTimeout <= 0 {
		return errors.New("worker.registrationTimeout must be positive")
	}
	if c.Worker.WriteTimeout <= 0 {
		return errors.New("worker.writeTimeout must be positive")
	}
	if c.Worker.PingInterval <= 0 {
		return errors.New("worker.pingInterval must be positive")
	}
	if c.Worker.ReadLimit < 1 {
		return errors.New("worker.readLimit must be positive")
	}
	if c.Worker.SendBuffer < 1 {
		return errors.New("worker.sendBuffer must be positive")
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls.certFile and tls.keyFile are required when tls.enabled is set")
	}
	return nil
}
