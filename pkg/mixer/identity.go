package mixer

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

const (
	systemSoundName    = "System Sound"
	unnamedDisplayName = "Unnamed"
	unavailableAppPath = "Unavailable"
)

var (
	errNoSuchProcess = errors.New("no such process")
	errNotSupported  = errors.New("not supported on this platform")
	errEmptyResult   = errors.New("empty result")
)

// ProcessInspector answers questions about the process that owns a session.
// Every call may fail (access denied, process gone) and is comparatively slow
type ProcessInspector interface {
	MainModulePath(pid uint32) (string, error)
	ProductName(pid uint32) (string, error)
	WindowTitle(pid uint32) (string, error)
	ProcessName(pid uint32) (string, error)
}

type identityLookup struct {
	source string
	fetch  func() (string, error)
}

// identityResolver turns sessions into (display name, application path) pairs
type identityResolver struct {
	logger    *zap.SugaredLogger
	inspector ProcessInspector
	cache     *identityCache
}

func newIdentityResolver(logger *zap.SugaredLogger, inspector ProcessInspector, now func() time.Time) *identityResolver {
	return &identityResolver{
		logger:    logger.Named("resolver"),
		inspector: inspector,
		cache:     newIdentityCache(now),
	}
}

// resolve returns the session's display name and application path. ok is false
// when either of them had to fall back to its placeholder
func (r *identityResolver) resolve(session Session) (string, string, bool) {
	if session.IsSystemSounds() {
		return systemSoundName, systemSoundName, true
	}

	identifier := session.Identifier()
	if displayName, applicationPath, hit := r.cache.get(identifier); hit {
		return displayName, applicationPath, true
	}

	pid := session.ProcessID()

	// the executable path feeds both chains, only ask for it once
	var (
		modulePath    string
		modulePathErr error
		moduleFetched bool
	)
	mainModulePath := func() (string, error) {
		if !moduleFetched {
			moduleFetched = true
			modulePath, modulePathErr = r.withProcess(pid, ProcessInspector.MainModulePath)
		}
		return modulePath, modulePathErr
	}

	nameChain := []identityLookup{
		{"session", func() (string, error) { return session.DisplayName(), nil }},
		{"product name", func() (string, error) { return r.withProcess(pid, ProcessInspector.ProductName) }},
		{"window title", func() (string, error) { return r.withProcess(pid, ProcessInspector.WindowTitle) }},
		{"process name", func() (string, error) { return r.withProcess(pid, ProcessInspector.ProcessName) }},
		{"executable filename", func() (string, error) {
			path, err := mainModulePath()
			return util.FileNameWithoutExt(path), err
		}},
	}

	pathChain := []identityLookup{
		{"session icon path", func() (string, error) { return session.IconPath(), nil }},
		{"main module path", mainModulePath},
	}

	displayName, nameFound := r.firstOf(identifier, nameChain)
	if !nameFound {
		displayName = unnamedDisplayName
	}

	applicationPath, pathFound := r.firstOf(identifier, pathChain)
	if !pathFound {
		applicationPath = unavailableAppPath
	}

	r.cache.put(identifier, displayName, applicationPath)

	return displayName, applicationPath, nameFound && pathFound
}

// firstOf runs lookups in order and stops at the first non-empty answer
func (r *identityResolver) firstOf(identifier string, lookups []identityLookup) (string, bool) {
	for _, lookup := range lookups {
		value, err := lookup.fetch()
		if err == nil && value != "" {
			return value, true
		}

		if err != nil {
			r.logger.Debugw("Identity lookup failed", "session", identifier, "source", lookup.source, "error", err)
		}
	}

	return "", false
}

func (r *identityResolver) withProcess(pid uint32, fetch func(ProcessInspector, uint32) (string, error)) (string, error) {
	if pid == 0 || r.inspector == nil {
		return "", errNoSuchProcess
	}

	value, err := fetch(r.inspector, pid)
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", errEmptyResult
	}

	return value, nil
}

// prune drops identities that haven't been looked at recently
func (r *identityResolver) prune() {
	if removed := r.cache.prune(); removed > 0 {
		r.logger.Debugw("Pruned identity cache", "removed", removed, "cache", r.cache)
	}
}
