package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/migadu/mailspool/consts"
)

// reserved state names; kept here to avoid importing the mail package
const (
	errorPipeline = "error"
	ghostState    = "ghost"
)

// Validate checks the configuration for errors that would prevent startup.
// Plugin names are checked later, when the pipeline registry builds the
// pipelines.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Spool.validate(consts.SpoolRepositoryName); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Spool.GetMaxWait(); err != nil {
		errs = append(errs, fmt.Errorf("spool.max_wait: %w", err))
	}
	if _, err := c.Spool.GetErrorDelay(); err != nil {
		errs = append(errs, fmt.Errorf("spool.error_delay: %w", err))
	}

	repoNames := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("repository #%d: name is required", i+1))
			continue
		}
		if repoNames[r.Name] {
			errs = append(errs, fmt.Errorf("repository %q is declared more than once", r.Name))
		}
		repoNames[r.Name] = true
		if r.Name == consts.SpoolRepositoryName {
			errs = append(errs, fmt.Errorf("repository %q: %w", r.Name, consts.ErrReservedName))
		}
		if r.Backend == BackendDisk && c.Spool.Backend == BackendDisk && r.Disk.Path == c.Spool.Disk.Path {
			errs = append(errs, fmt.Errorf("repository %q: disk.path must differ from the spool's", r.Name))
		}
		if err := r.validate("repository " + r.Name); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Coordinator.GetHandoff() {
	case consts.HandoffInline, consts.HandoffRequeue:
	default:
		errs = append(errs, fmt.Errorf("coordinator.handoff: unknown mode %q (want %q or %q)",
			c.Coordinator.Handoff, consts.HandoffInline, consts.HandoffRequeue))
	}
	if _, err := c.Coordinator.GetShutdownTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("coordinator.shutdown_timeout: %w", err))
	}

	names := make(map[string]bool)
	for i, p := range c.Pipelines {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline #%d: name is required", i+1))
			continue
		}
		if strings.EqualFold(p.Name, ghostState) {
			errs = append(errs, fmt.Errorf("pipeline %q: %w", p.Name, consts.ErrReservedName))
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("pipeline %q is declared more than once", p.Name))
		}
		names[p.Name] = true

		stages := make(map[string]bool)
		for j, s := range p.Stages {
			if s.Name == "" {
				errs = append(errs, fmt.Errorf("pipeline %q stage #%d: name is required", p.Name, j+1))
			} else if stages[s.Name] {
				errs = append(errs, fmt.Errorf("pipeline %q: stage %q is declared more than once", p.Name, s.Name))
			}
			stages[s.Name] = true
			if s.Action == "" {
				errs = append(errs, fmt.Errorf("pipeline %q stage %q: action is required", p.Name, s.Name))
			}
		}
	}
	if !names[errorPipeline] {
		errs = append(errs, fmt.Errorf("the %q pipeline is required", errorPipeline))
	}
	if entry := c.Coordinator.GetEntryPipeline(); !names[entry] {
		errs = append(errs, fmt.Errorf("coordinator.entry_pipeline %q is not a declared pipeline", entry))
	}

	if c.AdminAPI.Enabled {
		if c.AdminAPI.Addr == "" {
			errs = append(errs, errors.New("admin_api.addr is required when the admin API is enabled"))
		}
		if c.AdminAPI.APIKey == "" {
			errs = append(errs, errors.New("admin_api.api_key is required when the admin API is enabled"))
		}
		if c.AdminAPI.TLS && (c.AdminAPI.TLSCertFile == "" || c.AdminAPI.TLSKeyFile == "") {
			errs = append(errs, errors.New("admin_api.tls requires tls_cert_file and tls_key_file"))
		}
		for _, h := range c.AdminAPI.AllowedHosts {
			if net.ParseIP(h) == nil {
				if _, _, err := net.ParseCIDR(h); err != nil {
					errs = append(errs, fmt.Errorf("admin_api.allowed_hosts: %q is neither an IP nor a CIDR", h))
				}
			}
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

func (s *StorageConfig) validate(section string) error {
	switch s.Backend {
	case BackendMemory:
	case BackendDisk:
		if s.Disk.Path == "" {
			return fmt.Errorf("%s: disk.path is required", section)
		}
	case BackendSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("%s: sqlite.path is required", section)
		}
		if _, err := s.SQLite.GetBusyTimeout(); err != nil {
			return fmt.Errorf("%s: sqlite.busy_timeout: %w", section, err)
		}
	case BackendPostgres:
		if len(s.Postgres.Hosts) == 0 || s.Postgres.Name == "" {
			return fmt.Errorf("%s: postgres.hosts and postgres.name are required", section)
		}
	case BackendS3:
		if s.S3.Endpoint == "" || s.S3.Bucket == "" {
			return fmt.Errorf("%s: s3.endpoint and s3.bucket are required", section)
		}
		if s.S3.Encrypt && len(s.S3.EncryptionKey) != 64 {
			return fmt.Errorf("%s: s3.encryption_key must be 64 hex characters", section)
		}
	case "":
		return fmt.Errorf("%s: backend is required", section)
	default:
		return fmt.Errorf("%s: unknown backend %q", section, s.Backend)
	}
	if _, err := s.Breaker.GetTimeout(); err != nil {
		return fmt.Errorf("%s: circuit_breaker.timeout: %w", section, err)
	}
	return nil
}
