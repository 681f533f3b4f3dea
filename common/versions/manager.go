// Package versions manages configuration versions: importing rule-set
// documents, deduplicating by content hash, exporting stored versions
// back to canonical YAML, and flipping the active version.
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mailcortex/triage/common/cache"
	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/logger"
	"github.com/mailcortex/triage/common/models"
	"github.com/mailcortex/triage/common/rules"
)

// ActivationChannel carries activation events to downstream triage
// workers so they reload their rule set without polling.
const ActivationChannel = "triage.config.activated"

const exportCacheTTL = 10 * time.Minute

// Store is the persistence surface the manager needs. Implemented by
// repository.Store against Postgres; tests substitute an in-memory
// fake.
type Store interface {
	FindVersionByHash(ctx context.Context, hash string) (*models.VersionRow, error)
	CreateVersion(ctx context.Context, row *models.VersionRow, chains []models.ChainDoc, mappings []models.MappingRow) (int64, error)
	GetVersion(ctx context.Context, version int64) (*models.VersionRow, error)
	GetActiveVersion(ctx context.Context) (*models.VersionRow, error)
	ListVersions(ctx context.Context) ([]*models.VersionRow, error)
	ActivateVersion(ctx context.Context, version int64) error
	ListChains(ctx context.Context, version int64) ([]models.ChainRow, error)
	TraverseChain(ctx context.Context, chainID int64) ([]models.RuleRow, error)
	ListMappings(ctx context.Context, version int64) ([]models.MappingRow, error)
}

// Publisher emits events to a pub/sub channel. Satisfied by the redis
// client; nil disables publishing.
type Publisher interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}

// ActivationEvent is published on ActivationChannel whenever the
// active version changes, whether by import or explicit activation.
type ActivationEvent struct {
	EventID     string    `json:"event_id"`
	Version     int64     `json:"version"`
	ContentHash string    `json:"content_hash"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ImportResult reports what an import did.
type ImportResult struct {
	Version      int64  `json:"version"`
	ContentHash  string `json:"content_hash"`
	Deduplicated bool   `json:"deduplicated"`
}

// Manager coordinates parse, validate, hash, dedup and persistence for
// configuration versions.
type Manager struct {
	store  Store
	cache  cache.Cache
	events Publisher
	log    *logger.Logger
}

// NewManager creates a version manager. cache and events may be nil.
func NewManager(store Store, c cache.Cache, events Publisher, log *logger.Logger) *Manager {
	return &Manager{store: store, cache: c, events: events, log: log}
}

// Import parses, validates and persists a rule-set document as a new
// active version. If a version with the same content hash already
// exists the import is a no-op and the existing version is returned;
// nothing is written and the active version does not change.
func (m *Manager) Import(ctx context.Context, doc []byte, createdBy string, notes *string) (*ImportResult, error) {
	cfg, err := rules.Parse(doc)
	if err != nil {
		return nil, err
	}

	if problems := rules.Validate(cfg); len(problems) > 0 {
		return nil, storeerrors.NewValidationError(problems)
	}

	_, hash, err := rules.Fingerprint(cfg)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.FindVersionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.log.Info("import deduplicated",
			"content_hash", hash, "config_version", existing.Version)
		return &ImportResult{
			Version:      existing.Version,
			ContentHash:  hash,
			Deduplicated: true,
		}, nil
	}

	row := &models.VersionRow{
		CreatedBy:             createdBy,
		Notes:                 notes,
		ContentHash:           hash,
		LabelPrefix:           cfg.LabelPrefix,
		Intents:               cfg.Intents,
		EmailCategories:       cfg.EmailCategories,
		Prompts:               cfg.Prompts,
		BodyExtractionPrompts: cfg.BodyExtractionPrompts,
	}

	chains := make([]models.ChainDoc, 0, len(cfg.Chains))
	for _, name := range sortedChains(cfg) {
		chains = append(chains, models.ChainDoc{Name: name, Rules: cfg.Chains[name]})
	}

	mappings := mappingRows(cfg)

	version, err := m.store.CreateVersion(ctx, row, chains, mappings)
	if err != nil {
		return nil, err
	}

	m.log.Info("configuration imported",
		"config_version", version, "content_hash", hash,
		"chains", len(chains), "created_by", createdBy)

	m.InvalidateExport(ctx, version)
	m.publishActivation(ctx, version, hash)

	return &ImportResult{Version: version, ContentHash: hash}, nil
}

// Export renders a stored version back to canonical YAML. A nil
// version exports the active one. The output carries only populated
// sections and is byte-identical to what the version was hashed over.
func (m *Manager) Export(ctx context.Context, version *int64) ([]byte, error) {
	row, err := m.resolve(ctx, version)
	if err != nil {
		return nil, err
	}

	if doc, ok := m.cachedExport(ctx, row.Version); ok {
		return doc, nil
	}

	cfg, err := m.assemble(ctx, row)
	if err != nil {
		return nil, err
	}

	doc, err := rules.Render(cfg)
	if err != nil {
		return nil, err
	}

	m.cacheExport(ctx, row.Version, doc)
	return doc, nil
}

// Load returns a stored version as a parsed configuration, ready for
// evaluation. A nil version loads the active one. It goes through
// Export and re-parses the rendered document, so what evaluators load
// and what operators export can never drift apart.
func (m *Manager) Load(ctx context.Context, version *int64) (*models.RulesConfig, error) {
	row, err := m.resolve(ctx, version)
	if err != nil {
		return nil, err
	}

	doc, err := m.Export(ctx, &row.Version)
	if err != nil {
		return nil, err
	}

	cfg, err := rules.Parse(doc)
	if err != nil {
		return nil, err
	}
	cfg.Version = row.Version
	return cfg, nil
}

// Activate makes an existing version the active one and announces the
// change.
func (m *Manager) Activate(ctx context.Context, version int64) error {
	row, err := m.store.GetVersion(ctx, version)
	if err != nil {
		return err
	}

	if err := m.store.ActivateVersion(ctx, version); err != nil {
		return err
	}

	m.log.Info("version activated", "config_version", version, "content_hash", row.ContentHash)

	m.InvalidateExport(ctx, version)
	m.publishActivation(ctx, version, row.ContentHash)
	return nil
}

// List returns all stored versions, newest first.
func (m *Manager) List(ctx context.Context) ([]*models.VersionRow, error) {
	return m.store.ListVersions(ctx)
}

// Get returns one version's metadata.
func (m *Manager) Get(ctx context.Context, version int64) (*models.VersionRow, error) {
	return m.store.GetVersion(ctx, version)
}

func (m *Manager) resolve(ctx context.Context, version *int64) (*models.VersionRow, error) {
	if version == nil {
		return m.store.GetActiveVersion(ctx)
	}
	return m.store.GetVersion(ctx, *version)
}

// assemble rebuilds the document shape from rows: version metadata,
// each chain traversed in list order, and the address mappings.
func (m *Manager) assemble(ctx context.Context, row *models.VersionRow) (*models.RulesConfig, error) {
	cfg := &models.RulesConfig{
		Version:               row.Version,
		LabelPrefix:           row.LabelPrefix,
		Intents:               row.Intents,
		EmailCategories:       row.EmailCategories,
		Prompts:               row.Prompts,
		BodyExtractionPrompts: row.BodyExtractionPrompts,
		Chains:                map[string][]models.Rule{},
	}

	chainRows, err := m.store.ListChains(ctx, row.Version)
	if err != nil {
		return nil, err
	}

	for _, chain := range chainRows {
		ruleRows, err := m.store.TraverseChain(ctx, chain.ID)
		if err != nil {
			return nil, err
		}

		ruleList := make([]models.Rule, 0, len(ruleRows))
		for i := range ruleRows {
			rule, err := ruleRows[i].Content.Document()
			if err != nil {
				return nil, fmt.Errorf("rule %d in chain %q: %w", ruleRows[i].ID, chain.Name, err)
			}
			ruleList = append(ruleList, *rule)
		}
		cfg.Chains[chain.Name] = ruleList
	}

	mappings, err := m.store.ListMappings(ctx, row.Version)
	if err != nil {
		return nil, err
	}
	for _, mp := range mappings {
		action := models.EmailMappingAction{
			Label:    mp.Label,
			Archive:  mp.Archive,
			MarkRead: mp.MarkRead,
		}
		switch mp.Type {
		case models.MappingPriority:
			if cfg.PriorityEmailMappings == nil {
				cfg.PriorityEmailMappings = map[string]models.EmailMappingAction{}
			}
			cfg.PriorityEmailMappings[mp.Address] = action
		case models.MappingFallback:
			if cfg.FallbackEmailMappings == nil {
				cfg.FallbackEmailMappings = map[string]models.EmailMappingAction{}
			}
			cfg.FallbackEmailMappings[mp.Address] = action
		}
	}

	return cfg, nil
}

func (m *Manager) publishActivation(ctx context.Context, version int64, hash string) {
	if m.events == nil {
		return
	}

	event := ActivationEvent{
		EventID:     uuid.New().String(),
		Version:     version,
		ContentHash: hash,
		ActivatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		m.log.Error("failed to marshal activation event", "config_version", version, "error", err)
		return
	}

	if err := m.events.PublishEvent(ctx, ActivationChannel, string(payload)); err != nil {
		// Subscribers reconcile on their next poll; activation itself
		// already committed.
		m.log.Warn("failed to publish activation event", "config_version", version, "error", err)
	}
}

func exportCacheKey(version int64) string {
	return fmt.Sprintf("triage:export:%d", version)
}

func (m *Manager) cachedExport(ctx context.Context, version int64) ([]byte, bool) {
	if m.cache == nil {
		return nil, false
	}
	doc, ok, err := m.cache.Get(ctx, exportCacheKey(version))
	if err != nil {
		m.log.Warn("export cache read failed", "config_version", version, "error", err)
		return nil, false
	}
	return doc, ok
}

func (m *Manager) cacheExport(ctx context.Context, version int64, doc []byte) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, exportCacheKey(version), doc, exportCacheTTL); err != nil {
		m.log.Warn("export cache write failed", "config_version", version, "error", err)
	}
}

// InvalidateExport drops the cached export of a version; called after
// any mutation that changes what the version renders to.
func (m *Manager) InvalidateExport(ctx context.Context, version int64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, exportCacheKey(version)); err != nil {
		m.log.Warn("export cache invalidation failed", "config_version", version, "error", err)
	}
}

func sortedChains(cfg *models.RulesConfig) []string {
	names := make([]string, 0, len(cfg.Chains))
	for name := range cfg.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mappingRows(cfg *models.RulesConfig) []models.MappingRow {
	var rows []models.MappingRow
	appendRows := func(kind models.MappingType, mappings map[string]models.EmailMappingAction) {
		for _, address := range sortedMappingKeys(mappings) {
			action := mappings[address]
			rows = append(rows, models.MappingRow{
				Type:     kind,
				Address:  address,
				Label:    action.Label,
				Archive:  action.Archive,
				MarkRead: action.MarkRead,
			})
		}
	}
	appendRows(models.MappingPriority, cfg.PriorityEmailMappings)
	appendRows(models.MappingFallback, cfg.FallbackEmailMappings)
	return rows
}

func sortedMappingKeys(m map[string]models.EmailMappingAction) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
