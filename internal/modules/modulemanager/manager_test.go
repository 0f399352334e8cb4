package modulemanager

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeModule struct {
	id       string
	core     bool
	migrated bool
	inited   bool
	disposed bool
	routes   bool
	initErr  error
}

func (m *fakeModule) ID() string   { return m.id }
func (m *fakeModule) Name() string { return "Fake " + m.id }
func (m *fakeModule) Core() bool   { return m.core }
func (m *fakeModule) Migrate(db *gorm.DB) error {
	m.migrated = true
	return nil
}
func (m *fakeModule) Init() error {
	m.inited = true
	return m.initErr
}
func (m *fakeModule) Dispose() { m.disposed = true }

func newTestRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		modules:         make(map[string]Module),
		disabledModules: make(map[string]bool),
	}
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestLoadAllInRegistrationOrder(t *testing.T) {
	r := newTestRegistry()
	a := &fakeModule{id: "a"}
	b := &fakeModule{id: "b"}
	r.Register(a)
	r.Register(b)

	require.NoError(t, r.LoadAll(testDB(t)))
	assert.True(t, a.migrated)
	assert.True(t, a.inited)
	assert.True(t, b.inited)

	modules := r.ListModules()
	require.Len(t, modules, 2)
	assert.Equal(t, "a", modules[0].ID())
	assert.Equal(t, "b", modules[1].ID())
}

func TestLoadAllIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	a := &fakeModule{id: "a"}
	r.Register(a)

	db := testDB(t)
	require.NoError(t, r.LoadAll(db))
	a.inited = false
	require.NoError(t, r.LoadAll(db))
	assert.False(t, a.inited, "second LoadAll must not re-initialize")
}

func TestLoadAllStopsOnInitFailure(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeModule{id: "a", initErr: fmt.Errorf("bad wiring")})
	b := &fakeModule{id: "b"}
	r.Register(b)

	err := r.LoadAll(testDB(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Fake a")
	assert.False(t, b.inited)
}

func TestDisabledModuleIsSkipped(t *testing.T) {
	r := newTestRegistry()
	a := &fakeModule{id: "a"}
	r.Register(a)
	r.DisableModule("a")

	require.NoError(t, r.LoadAll(testDB(t)))
	assert.False(t, a.inited)
}

func TestCoreModuleCannotBeDisabled(t *testing.T) {
	r := newTestRegistry()
	a := &fakeModule{id: "a", core: true}
	r.Register(a)
	r.DisableModule("a")

	require.NoError(t, r.LoadAll(testDB(t)))
	assert.True(t, a.inited)
}

func TestGetModule(t *testing.T) {
	r := newTestRegistry()
	a := &fakeModule{id: "a"}
	r.Register(a)

	got, ok := r.GetModule("a")
	require.True(t, ok)
	assert.Same(t, Module(a), got)

	_, ok = r.GetModule("missing")
	assert.False(t, ok)
}

func TestReRegisterReplacesKeepingOrder(t *testing.T) {
	r := newTestRegistry()
	r.Register(&fakeModule{id: "a"})
	r.Register(&fakeModule{id: "b"})
	replacement := &fakeModule{id: "a"}
	r.Register(replacement)

	modules := r.ListModules()
	require.Len(t, modules, 2)
	assert.Equal(t, "a", modules[0].ID())
	assert.Same(t, Module(replacement), modules[0])
}

func TestDisposeAllReverseOrder(t *testing.T) {
	r := newTestRegistry()
	var order []string
	a := &disposeTracker{fakeModule: fakeModule{id: "a"}, order: &order}
	b := &disposeTracker{fakeModule: fakeModule{id: "b"}, order: &order}
	r.Register(a)
	r.Register(b)

	r.DisposeAll()
	assert.Equal(t, []string{"b", "a"}, order)
}

type disposeTracker struct {
	fakeModule
	order *[]string
}

func (m *disposeTracker) Dispose() {
	*m.order = append(*m.order, m.id)
}
