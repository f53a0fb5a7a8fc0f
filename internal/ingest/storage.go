package ingest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/modularmind/modularmind/internal/agent"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

const (
	agentFileExt     = ".json"
	maxAgentIDLength = 64
)

// Agent ids double as file names under config_path.
var validAgentID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validateAgentID(id string) error {
	if id == "" {
		return mmerrors.Newf(mmerrors.KindConfigInvalid, "agent id is empty")
	}
	if len(id) > maxAgentIDLength {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent id %q is too long (max %d chars)", id, maxAgentIDLength)
	}
	if !validAgentID.MatchString(id) {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent id %q may only contain letters, numbers, hyphens and underscores", id)
	}
	return nil
}

func (m *Manager) agentPath(id string) string {
	return filepath.Join(m.configPath, id+agentFileExt)
}

// saveAgent writes the config as indented JSON through a temp file
// rename, so a crash mid-write never leaves a torn config behind.
func (m *Manager) saveAgent(cfg *agent.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindTransient, err)
	}
	path := m.agentPath(cfg.AgentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return mmerrors.Newf(mmerrors.KindTransient,
			"cannot write agent config %s: %v", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return mmerrors.Newf(mmerrors.KindTransient,
			"cannot save agent config %s: %v", path, err)
	}
	return nil
}

func (m *Manager) removeAgentFile(id string) {
	if err := os.Remove(m.agentPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("agent_config_remove_failed",
			slog.String("agent_id", id),
			slog.String("error", err.Error()))
	}
}

// loadAgents reads every agent file under the config dir. Unreadable
// or invalid files are skipped so one corrupt config cannot block
// startup.
func loadAgents(dir string) ([]*agent.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"cannot read agent config dir %s: %v", dir, err)
	}

	var out []*agent.Config
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), agentFileExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("agent_config_unreadable",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		var cfg agent.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn("agent_config_unreadable",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if cfg.AgentID == "" {
			cfg.AgentID = strings.TrimSuffix(entry.Name(), agentFileExt)
		}
		if err := cfg.Validate(); err != nil {
			slog.Warn("agent_config_invalid",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		out = append(out, &cfg)
	}
	return out, nil
}
