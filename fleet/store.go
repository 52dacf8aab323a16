package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/jurisdesk/intakebot/intake"
	"github.com/jurisdesk/intakebot/internal/fsstore"
)

const (
	configsFileName    = "bots.yaml"
	fleetStateFileName = "fleet_state.json"
	conversationsDir   = "conversations"
)

// Store is the filesystem persistence layer: bot definitions as YAML,
// per-bot conversation snapshots and a fleet status file as JSON. Nothing
// here is on the per-message hot path.
type Store struct {
	dataDir string
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

type configsFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// LoadConfigs reads the bot definitions. A missing file is an empty fleet.
func (st *Store) LoadConfigs() ([]BotConfig, error) {
	path := filepath.Join(st.dataDir, configsFileName)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bot configs %s: %w", path, err)
	}
	var file configsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse bot configs %s: %w", path, err)
	}
	return file.Bots, nil
}

// SaveConfigs rewrites the fleet file under a lock file, so a concurrent
// `fleet add` and a running fleet process do not clobber each other.
func (st *Store) SaveConfigs(configs []BotConfig) error {
	sorted := append([]BotConfig(nil), configs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	content, err := yaml.Marshal(configsFile{Bots: sorted})
	if err != nil {
		return fmt.Errorf("encode bot configs: %w", err)
	}
	lockPath, err := fsstore.BuildLockPath(st.dataDir, "bots")
	if err != nil {
		return err
	}
	return fsstore.WithLock(context.Background(), lockPath, func() error {
		return fsstore.WriteAtomic(filepath.Join(st.dataDir, configsFileName), content, fsstore.FileOptions{})
	})
}

func (st *Store) conversationsPath(botID string) string {
	return filepath.Join(st.dataDir, conversationsDir, botID+".json")
}

func (st *Store) SaveConversations(botID string, snap intake.Snapshot) error {
	return fsstore.WriteJSONAtomic(st.conversationsPath(botID), snap, fsstore.FileOptions{})
}

// LoadConversations returns the stored snapshot for botID; ok is false when
// the bot has no history yet.
func (st *Store) LoadConversations(botID string) (intake.Snapshot, bool, error) {
	var snap intake.Snapshot
	ok, err := fsstore.ReadJSON(st.conversationsPath(botID), &snap)
	if err != nil {
		return intake.Snapshot{}, false, err
	}
	return snap, ok, nil
}

// SaveFleetState writes the aggregate status snapshot for external readers.
func (st *Store) SaveFleetState(snapshots []InstanceSnapshot) error {
	sorted := append([]InstanceSnapshot(nil), snapshots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return fsstore.WriteJSONAtomic(filepath.Join(st.dataDir, fleetStateFileName), sorted, fsstore.FileOptions{})
}
