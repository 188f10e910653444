package mixer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

// ErrCategoryNotFound is returned when looking up a category that was never defined
var ErrCategoryNotFound = errors.New("category not found")

// Category is a named volume target shared by any number of sessions
type Category struct {
	Name   string  `mapstructure:"Name" json:"Name"`
	Volume float32 `mapstructure:"Volume" json:"Volume"`
}

// categoryStore maps category names to their target volume
type categoryStore struct {
	logger *zap.SugaredLogger

	m    map[string]float32
	lock sync.Locker
}

func newCategoryStore(logger *zap.SugaredLogger) *categoryStore {
	return &categoryStore{
		logger: logger.Named("categories"),
		m:      make(map[string]float32),
		lock:   &sync.Mutex{},
	}
}

func (cs *categoryStore) get(name string) (float32, error) {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	volume, ok := cs.m[name]
	if !ok {
		return 0, fmt.Errorf("get %q: %w", name, ErrCategoryNotFound)
	}

	return volume, nil
}

func (cs *categoryStore) has(name string) bool {
	_, err := cs.get(name)
	return err == nil
}

// set stores the volume of a category, creating it if it doesn't exist yet
func (cs *categoryStore) set(name string, volume float32) float32 {
	clamped, wasClamped := util.Clamp01(volume)
	if wasClamped {
		cs.logger.Warnw("Category volume out of range, clamping", "category", name, "requested", volume, "stored", clamped)
	}

	cs.lock.Lock()
	cs.m[name] = clamped
	cs.lock.Unlock()

	return clamped
}

// load replaces the whole table. Duplicate names keep their first occurrence
func (cs *categoryStore) load(categories []Category) {
	fresh := make(map[string]float32, len(categories))

	for _, category := range categories {
		if existing, ok := fresh[category.Name]; ok {
			cs.logger.Errorw("Duplicate category rejected, keeping first definition",
				"category", category.Name,
				"kept", existing,
				"rejected", category.Volume)

			continue
		}

		clamped, wasClamped := util.Clamp01(category.Volume)
		if wasClamped {
			cs.logger.Warnw("Category volume out of range, clamping", "category", category.Name, "requested", category.Volume, "stored", clamped)
		}

		fresh[category.Name] = clamped
	}

	cs.lock.Lock()
	cs.m = fresh
	cs.lock.Unlock()

	cs.logger.Debugw("Loaded categories", "categories", cs)
}

// snapshot returns a copy of the table, sorted by name
func (cs *categoryStore) snapshot() []Category {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	result := make([]Category, 0, len(cs.m))
	for name, volume := range cs.m {
		result = append(result, Category{Name: name, Volume: volume})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	return result
}

func (cs *categoryStore) String() string {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	return fmt.Sprintf("<%d categories>", len(cs.m))
}
