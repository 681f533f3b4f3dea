package versions

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcortex/triage/common/cache"
	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/logger"
	"github.com/mailcortex/triage/common/models"
	"github.com/mailcortex/triage/common/rules"
)

const testDoc = `
label_prefix: Cortex
chains:
  main:
    - match:
        from: alerts@example.com
      action:
        label: Alerts
    - match:
        subject_contains: invoice
      jump: billing
  billing:
    - match: {}
      action:
        archive: true
priority_email_mappings:
  boss@example.com:
    label: Boss
`

// fakeStore is an in-memory Store so manager behavior is testable
// without Postgres.
type fakeStore struct {
	versions    map[int64]*models.VersionRow
	chains      map[int64][]models.ChainRow        // version -> chains
	rules       map[int64][]models.RuleRow         // chain id -> rules in order
	mappings    map[int64][]models.MappingRow      // version -> mappings
	nextVersion int64
	nextChainID int64
	createCalls int
	listChains  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: map[int64]*models.VersionRow{},
		chains:   map[int64][]models.ChainRow{},
		rules:    map[int64][]models.RuleRow{},
		mappings: map[int64][]models.MappingRow{},
	}
}

func (s *fakeStore) FindVersionByHash(_ context.Context, hash string) (*models.VersionRow, error) {
	for _, row := range s.versions {
		if row.ContentHash == hash {
			return row, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateVersion(_ context.Context, row *models.VersionRow, chains []models.ChainDoc, mappings []models.MappingRow) (int64, error) {
	s.createCalls++
	s.nextVersion++
	version := s.nextVersion

	for _, existing := range s.versions {
		existing.IsActive = false
	}
	stored := *row
	stored.Version = version
	stored.IsActive = true
	s.versions[version] = &stored

	for _, chain := range chains {
		s.nextChainID++
		chainRow := models.ChainRow{ID: s.nextChainID, Version: version, Name: chain.Name}
		s.chains[version] = append(s.chains[version], chainRow)
		for i := range chain.Rules {
			s.rules[chainRow.ID] = append(s.rules[chainRow.ID], models.RuleRow{
				ID:      int64(len(s.rules[chainRow.ID]) + 1),
				ChainID: chainRow.ID,
				Version: version,
				Content: models.RuleContentFromDocument(&chain.Rules[i]),
			})
		}
	}

	for _, m := range mappings {
		m.Version = version
		s.mappings[version] = append(s.mappings[version], m)
	}

	return version, nil
}

func (s *fakeStore) GetVersion(_ context.Context, version int64) (*models.VersionRow, error) {
	row, ok := s.versions[version]
	if !ok {
		return nil, storeerrors.NewNotFound("version", version)
	}
	return row, nil
}

func (s *fakeStore) GetActiveVersion(_ context.Context) (*models.VersionRow, error) {
	for _, row := range s.versions {
		if row.IsActive {
			return row, nil
		}
	}
	return nil, storeerrors.NewNotFound("version", "active")
}

func (s *fakeStore) ListVersions(_ context.Context) ([]*models.VersionRow, error) {
	out := make([]*models.VersionRow, 0, len(s.versions))
	for _, row := range s.versions {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *fakeStore) ActivateVersion(_ context.Context, version int64) error {
	if _, ok := s.versions[version]; !ok {
		return storeerrors.NewNotFound("version", version)
	}
	for v, row := range s.versions {
		row.IsActive = v == version
	}
	return nil
}

func (s *fakeStore) ListChains(_ context.Context, version int64) ([]models.ChainRow, error) {
	s.listChains++
	chains := append([]models.ChainRow(nil), s.chains[version]...)
	sort.Slice(chains, func(i, j int) bool { return chains[i].Name < chains[j].Name })
	return chains, nil
}

func (s *fakeStore) TraverseChain(_ context.Context, chainID int64) ([]models.RuleRow, error) {
	return s.rules[chainID], nil
}

func (s *fakeStore) ListMappings(_ context.Context, version int64) ([]models.MappingRow, error) {
	return s.mappings[version], nil
}

type fakePublisher struct {
	channels []string
	messages []string
}

func (p *fakePublisher) PublishEvent(_ context.Context, channel, message string) error {
	p.channels = append(p.channels, channel)
	p.messages = append(p.messages, message)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakePublisher) {
	t.Helper()
	log := logger.New("error", "json")
	store := newFakeStore()
	events := &fakePublisher{}
	return NewManager(store, cache.NewMemoryCache(log), events, log), store, events
}

func TestManager_ImportCreatesActiveVersion(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	result, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
	assert.False(t, result.Deduplicated)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, result.ContentHash)

	active, err := store.GetActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
	assert.Equal(t, "alice", active.CreatedBy)
}

func TestManager_ImportDeduplicates(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	first, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)

	second, err := manager.Import(ctx, []byte(testDoc), "bob", nil)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, 1, store.createCalls, "dedup must not write")
}

func TestManager_ImportRejectsInvalidConfig(t *testing.T) {
	manager, store, _ := newTestManager(t)

	doc := "chains:\n  side:\n    - match: {}\n      jump: nowhere\n"
	_, err := manager.Import(context.Background(), []byte(doc), "alice", nil)

	var validationErr *storeerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Errors, "Rules must have a 'main' chain")
	assert.Zero(t, store.createCalls, "invalid config must not write")
}

func TestManager_ImportRejectsMalformedDocument(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.Import(context.Background(), []byte("chains: [unclosed"), "alice", nil)
	var parseErr *storeerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestManager_ExportRoundTrips(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	imported, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)

	doc, err := manager.Export(ctx, nil)
	require.NoError(t, err)

	cfg, err := rules.Parse(doc)
	require.NoError(t, err)
	assert.Len(t, cfg.Chains["main"], 2)
	assert.Len(t, cfg.Chains["billing"], 1)
	assert.Contains(t, cfg.PriorityEmailMappings, "boss@example.com")

	// The export hashes back to the stored version, so re-importing an
	// export is always a no-op.
	reimported, err := manager.Import(ctx, doc, "bob", nil)
	require.NoError(t, err)
	assert.True(t, reimported.Deduplicated)
	assert.Equal(t, imported.Version, reimported.Version)
}

func TestManager_ExportCachesRenderedDocument(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)

	first, err := manager.Export(ctx, nil)
	require.NoError(t, err)
	assembled := store.listChains

	second, err := manager.Export(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, assembled, store.listChains, "second export must come from cache")

	manager.InvalidateExport(ctx, 1)
	_, err = manager.Export(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, assembled+1, store.listChains)
}

func TestManager_LoadReturnsParsedActiveConfig(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)

	cfg, err := manager.Load(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.Version)
	assert.Equal(t, "Cortex", cfg.LabelPrefix)
	require.Len(t, cfg.Chains["main"], 2)
	assert.Equal(t, "billing", cfg.Chains["main"][1].Jump)
}

func TestManager_ActivatePublishesEvent(t *testing.T) {
	manager, store, events := newTestManager(t)
	ctx := context.Background()

	first, err := manager.Import(ctx, []byte(testDoc), "alice", nil)
	require.NoError(t, err)
	_, err = manager.Import(ctx, []byte(strings.Replace(testDoc, "Alerts", "Alarms", 1)), "alice", nil)
	require.NoError(t, err)

	require.NoError(t, manager.Activate(ctx, first.Version))

	active, err := store.GetActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Version, active.Version)

	require.NotEmpty(t, events.messages)
	assert.Equal(t, ActivationChannel, events.channels[len(events.channels)-1])

	var event ActivationEvent
	require.NoError(t, json.Unmarshal([]byte(events.messages[len(events.messages)-1]), &event))
	assert.Equal(t, first.Version, event.Version)
	assert.Equal(t, first.ContentHash, event.ContentHash)
	assert.NotEmpty(t, event.EventID)
	assert.False(t, event.ActivatedAt.IsZero())
}

func TestManager_ActivateMissingVersion(t *testing.T) {
	manager, _, events := newTestManager(t)

	err := manager.Activate(context.Background(), 42)
	var notFound *storeerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Empty(t, events.messages)
}
