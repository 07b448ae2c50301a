// Package session owns the lifecycle of the one repository a process may
// hold open: extract, validate, repair and load on Open; serialize and seal
// on Save; wipe on Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forest6511/credstore/pkg/archive"
	"github.com/forest6511/credstore/pkg/audit"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/repository"
)

// Archive is the encrypted container holding a repository tree.
type Archive interface {
	Extract(ctx context.Context, path string, passphrase []byte, dest string) (*archive.Unsealed, error)
	Seal(ctx context.Context, src, path string, passphrase []byte) error
	Exists(path string) bool
}

// Auditor records session operations. *audit.Logger implements it.
type Auditor interface {
	SetKey(key []byte) error
	ClearKey()
	SetSessionID(id string)
	Log(op, source, result, credentialID string, errInfo *audit.ErrorInfo, ctx map[string]interface{}) error
}

// Index is a search index over the non-secret parts of records.
type Index interface {
	Rebuild(ctx context.Context, records []*credential.Record) error
	Put(ctx context.Context, rec *credential.Record) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Close() error
}

// State of the session slot.
type State int

const (
	Closed State = iota
	Opening
	Open
	Saving
	Closing
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Saving:
		return "saving"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Mode decides what Open does with records that fail to parse.
type Mode int

const (
	// Strict fails the open on any Critical issue.
	Strict Mode = iota
	// Permissive leaves unreadable records out of the model and carries
	// them through saves untouched.
	Permissive
)

func (m Mode) String() string {
	if m == Permissive {
		return "permissive"
	}
	return "strict"
}

// ParseMode parses "strict" or "permissive".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "permissive":
		return Permissive, nil
	}
	return Strict, fmt.Errorf("session: unknown mode %q", s)
}

// OpenOptions controls validation during Open.
type OpenOptions struct {
	Mode Mode
	// DisableRepair makes any repairable issue fail the open with
	// ErrRepairRequired instead of being fixed.
	DisableRepair bool
}

// Handle describes the open repository.
type Handle struct {
	ID       string           `json:"session_id"`
	Path     string           `json:"path"`
	Mode     Mode             `json:"-"`
	OpenedAt time.Time        `json:"opened_at"`
	KDF      crypto.KDFParams `json:"kdf"`
	Records  int              `json:"records"`
}

type openSession struct {
	handle     Handle
	passphrase []byte
	model      *credential.Model
	work       string // private temp dir
	tree       string // current plaintext tree inside work
	excluded   []string
	index      Index
}

// Manager holds at most one open repository. Its methods are safe for
// concurrent use; the lock guards the state slot and is not held while
// extracting, repairing or sealing.
type Manager struct {
	archive  Archive
	auditor  Auditor
	newIndex func() (Index, error)
	logger   *zap.SugaredLogger
	now      func() time.Time
	workDir  string
	source   string

	mu    sync.Mutex
	state State
	cur   *openSession
	last  *OpenReport
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithAuditor enables audit logging.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithIndex sets the constructor for the per-session search index.
func WithIndex(newIndex func() (Index, error)) Option {
	return func(m *Manager) { m.newIndex = newIndex }
}

// WithClock sets the time source used for record stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWorkDir sets the parent of the private plaintext directories.
// The default is the system temp dir.
func WithWorkDir(dir string) Option {
	return func(m *Manager) { m.workDir = dir }
}

// WithSource sets the audit source tag (audit.SourceCLI by default).
func WithSource(source string) Option {
	return func(m *Manager) { m.source = source }
}

// NewManager returns a Manager with no open repository.
func NewManager(a Archive, opts ...Option) *Manager {
	m := &Manager{
		archive: a,
		logger:  zap.NewNop().Sugar(),
		now:     time.Now,
		source:  audit.SourceCLI,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state of the slot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Init creates a new, empty repository archive at path.
func (m *Manager) Init(ctx context.Context, path string, passphrase []byte) error {
	if m.archive.Exists(path) {
		return fmt.Errorf("%w: %s", ErrRepositoryExists, path)
	}
	work, err := os.MkdirTemp(m.workDir, "credstore-init-*")
	if err != nil {
		return fmt.Errorf("session: failed to create work directory: %w", err)
	}
	defer os.RemoveAll(work)

	tree := filepath.Join(work, "tree")
	repo := credential.NewRepository(repository.CurrentVersion, m.now())
	if err := repository.Write(tree, repo); err != nil {
		return err
	}
	if err := m.archive.Seal(ctx, tree, path, passphrase); err != nil {
		return err
	}
	m.logger.Infow("repository created", "path", path)
	return nil
}

// Open extracts, validates, repairs and loads the repository at path.
// On failure the slot returns to Closed and no plaintext is retained.
func (m *Manager) Open(ctx context.Context, path string, passphrase []byte, opts OpenOptions) (*Handle, error) {
	m.mu.Lock()
	if m.state != Closed {
		m.mu.Unlock()
		return nil, ErrSessionConflict
	}
	m.state = Opening
	m.mu.Unlock()

	s, report, err := m.open(ctx, path, passphrase, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = report
	if err != nil {
		m.state = Closed
		return nil, &OpenError{Path: path, Report: report, Err: err}
	}
	m.state = Open
	m.cur = s
	h := s.handle
	return &h, nil
}

func (m *Manager) open(ctx context.Context, path string, passphrase []byte, opts OpenOptions) (s *openSession, report *OpenReport, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := checkCooldown(path, m.now()); err != nil {
		return nil, nil, err
	}

	work, err := os.MkdirTemp(m.workDir, "credstore-*")
	if err != nil {
		return nil, nil, fmt.Errorf("session: failed to create work directory: %w", err)
	}
	s = &openSession{
		handle: Handle{ID: uuid.NewString(), Path: path, Mode: opts.Mode},
		work:   work,
		tree:   filepath.Join(work, "tree"),
	}
	keyed := false
	defer func() {
		if err == nil {
			return
		}
		if keyed {
			m.auditError(audit.OpRepositoryOpenFailed, "", err)
			m.auditor.ClearKey()
		}
		s.discard()
		m.logger.Warnw("open failed", "path", path, "error", err)
	}()

	unsealed, err := m.archive.Extract(ctx, path, passphrase, s.tree)
	if err != nil {
		return s, nil, m.extractFailed(path, err)
	}
	if err := clearLockState(path); err != nil {
		m.logger.Warnw("failed to clear lock state", "path", path, "error", err)
	}
	s.handle.KDF = unsealed.KDF
	if m.auditor != nil {
		m.auditor.SetSessionID(s.handle.ID)
		if err := m.auditor.SetKey(unsealed.AuditKey); err != nil {
			m.logger.Warnw("audit disabled for session", "error", err)
		} else {
			keyed = true
		}
	}
	unsealed.Wipe()

	scan, err := repository.Scan(s.tree)
	if err != nil {
		return s, nil, err
	}
	report = &OpenReport{Scan: scan}
	m.logger.Debugw("scan complete", append([]interface{}{"session_id", s.handle.ID}, report.logFields()...)...)

	if scan.Fatal && (!scan.OnlyRecordCriticals() || opts.Mode == Strict) {
		return s, report, repository.ErrorFor(scan)
	}

	if repairable := scan.Repairable(); len(repairable) > 0 && opts.DisableRepair {
		return s, report, fmt.Errorf("%w: %w: %s", ErrRepairRequired, repairable[0].Err(), repairable[0])
	}
	if err := ctx.Err(); err != nil {
		return s, report, err
	}
	// Repair always runs so that unrepairable issues land in Skipped.
	result, err := repository.Repair(s.tree, scan)
	report.Repair = result
	if err != nil {
		return s, report, err
	}
	for _, is := range result.Applied {
		m.logger.Infow("repaired", "session_id", s.handle.ID, "category", is.Category, "path", is.Path)
	}

	repo, rescan, err := repository.Load(s.tree)
	report.Rescan = rescan
	if err != nil {
		return s, report, err
	}
	if err := repository.VerifyRepair(report.Repair.Applied, rescan); err != nil {
		repo.Wipe()
		return s, report, err
	}
	if rescan.Fatal && opts.Mode == Strict {
		repo.Wipe()
		return s, report, repository.ErrorFor(rescan)
	}
	report.Excluded = append([]string(nil), rescan.Excluded...)
	s.excluded = report.Excluded
	s.model = credential.NewModel(repo, credential.WithClock(m.now))

	if err := ctx.Err(); err != nil {
		return s, report, err
	}
	if err := m.buildIndex(ctx, s); err != nil {
		return s, report, err
	}

	s.passphrase = append([]byte(nil), passphrase...)
	s.handle.OpenedAt = m.now().UTC()
	s.handle.Records = s.model.Len()

	m.logger.Infow("repository opened", append([]interface{}{
		"session_id", s.handle.ID, "path", path, "mode", opts.Mode.String(), "records", s.handle.Records,
	}, report.logFields()...)...)
	if len(report.Repair.Applied) > 0 {
		m.audit(audit.OpRepositoryRepair, "", report.auditContext())
	}
	m.audit(audit.OpRepositoryOpen, "", report.auditContext())
	return s, report, nil
}

func (m *Manager) extractFailed(path string, err error) error {
	if !errors.Is(err, archive.ErrDecryptionFailed) {
		return err
	}
	cooldown, recErr := recordFailedAttempt(path, m.now())
	if recErr != nil {
		m.logger.Warnw("failed to record open attempt", "path", path, "error", recErr)
	}
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v: %w", ErrTooManyAttempts, cooldown, err)
	}
	return err
}

func (m *Manager) buildIndex(ctx context.Context, s *openSession) error {
	if m.newIndex == nil {
		return nil
	}
	idx, err := m.newIndex()
	if err != nil {
		return fmt.Errorf("session: failed to create index: %w", err)
	}
	records := s.model.List()
	err = idx.Rebuild(ctx, records)
	for _, r := range records {
		r.Wipe()
	}
	if err != nil {
		idx.Close()
		return fmt.Errorf("session: failed to build index: %w", err)
	}
	s.index = idx
	return nil
}

// discard wipes secrets and removes the plaintext tree.
func (s *openSession) discard() error {
	if s.model != nil {
		s.model.Wipe()
	}
	crypto.SecureWipe(s.passphrase)
	s.passphrase = nil
	if s.index != nil {
		s.index.Close()
		s.index = nil
	}
	if s.work == "" {
		return nil
	}
	if err := os.RemoveAll(s.work); err != nil {
		return fmt.Errorf("session: failed to remove work directory: %w", err)
	}
	return nil
}

// Save serializes the model and seals it over the archive. On failure the
// model and the archive keep their last good state.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = Saving
	m.mu.Unlock()

	err = m.save(ctx, s)

	m.mu.Lock()
	m.state = Open
	m.mu.Unlock()

	if err != nil {
		m.auditError(audit.OpRepositorySave, "", err)
		m.logger.Warnw("save failed", "session_id", s.handle.ID, "error", err)
		return &SaveError{Path: s.handle.Path, Err: err}
	}
	m.audit(audit.OpRepositorySave, "", map[string]interface{}{"records": s.model.Len()})
	m.logger.Infow("repository saved", "session_id", s.handle.ID, "records", s.model.Len())
	return nil
}

func (m *Manager) save(ctx context.Context, s *openSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size, err := repository.TreeSize(s.tree)
	if err != nil {
		return err
	}
	if err := repository.CheckDiskSpace(s.work, size); err != nil {
		return err
	}
	if err := repository.CheckDiskSpace(filepath.Dir(s.handle.Path), size); err != nil {
		return err
	}

	stage, err := os.MkdirTemp(s.work, "stage-*")
	if err != nil {
		return fmt.Errorf("session: failed to create staging directory: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(stage)
		}
	}()

	repo := s.model.Repository()
	if err := repository.Write(stage, repo); err != nil {
		return err
	}
	if err := repository.CopyEntries(s.tree, stage, s.excluded); err != nil {
		return err
	}
	if err := m.archive.Seal(ctx, stage, s.handle.Path, s.passphrase); err != nil {
		return err
	}

	repo.Metadata.Version = repository.CurrentVersion
	repo.Metadata.CredentialCount = len(repo.Records)
	old := s.tree
	s.tree = stage
	promoted = true
	if err := os.RemoveAll(old); err != nil {
		m.logger.Warnw("failed to remove previous tree", "error", err)
	}
	return nil
}

// Close wipes the open repository and returns the slot to Closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = Closing
	m.mu.Unlock()

	m.audit(audit.OpRepositoryClose, "", nil)
	if m.auditor != nil {
		m.auditor.ClearKey()
	}
	err = s.discard()
	m.logger.Infow("repository closed", "session_id", s.handle.ID)

	m.mu.Lock()
	m.state = Closed
	m.cur = nil
	m.mu.Unlock()
	return err
}

// acquire returns the open session. The caller holds m.mu.
func (m *Manager) acquire() (*openSession, error) {
	switch m.state {
	case Open:
		return m.cur, nil
	case Saving:
		return nil, ErrSessionBusy
	default:
		return nil, ErrNoSession
	}
}

// LastValidationReport returns the report of the most recent Open,
// successful or not. It is nil before the first Open.
func (m *Manager) LastValidationReport() *OpenReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Describe returns the handle of the open repository.
func (m *Manager) Describe() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	h := s.handle
	h.Records = s.model.Len()
	return &h, nil
}

// List returns value-free summaries ordered by id.
func (m *Manager) List() ([]credential.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	return s.model.Summaries(), nil
}

// FindByTitle returns the ids of records titled title, ignoring case.
func (m *Manager) FindByTitle(title string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	return s.model.FindByTitle(title), nil
}

// Get returns a copy of a record, secrets included. Callers should Wipe it
// when done.
func (m *Manager) Get(id string) (*credential.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	return s.model.Get(id)
}

// Exists reports whether a record with id is present.
func (m *Manager) Exists(id string) (bool, error) {
	rec, err := m.Get(id)
	if errors.Is(err, credential.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec.Wipe()
	return true, nil
}

// Create adds a record and applies mutate to it, if non-nil, before it
// becomes visible. It returns the generated id.
func (m *Manager) Create(title, typeName string, mutate func(*credential.Record) error) (string, error) {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	id, err := s.model.Create(title, typeName)
	if err == nil && mutate != nil {
		if err = s.model.Update(id, mutate); err != nil {
			_ = s.model.Delete(id)
		}
	}
	if err == nil {
		m.reindex(s, id)
	}
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	m.audit(audit.OpCredentialCreate, id, nil)
	return id, nil
}

// Update applies mutate to a copy of the record and commits it if valid.
func (m *Manager) Update(id string, mutate func(*credential.Record) error) error {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	err = s.model.Update(id, mutate)
	if err == nil {
		m.reindex(s, id)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.audit(audit.OpCredentialUpdate, id, nil)
	return nil
}

// Delete removes a record.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	err = s.model.Delete(id)
	if err == nil && s.index != nil {
		if ierr := s.index.Remove(context.Background(), id); ierr != nil {
			m.logger.Warnw("index update failed", "credential_id", id, "error", ierr)
		}
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.audit(audit.OpCredentialDelete, id, nil)
	return nil
}

// reindex refreshes the index entry of id. The caller holds m.mu.
func (m *Manager) reindex(s *openSession, id string) {
	if s.index == nil {
		return
	}
	rec, err := s.model.Get(id)
	if err != nil {
		return
	}
	defer rec.Wipe()
	if err := s.index.Put(context.Background(), rec); err != nil {
		m.logger.Warnw("index update failed", "credential_id", id, "error", err)
	}
}

// Types returns built-in and custom types.
func (m *Manager) Types() ([]*credential.TypeDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	return s.model.Types(), nil
}

// DefineType adds a custom type.
func (m *Manager) DefineType(d *credential.TypeDefinition) error {
	m.mu.Lock()
	s, err := m.acquire()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	err = s.model.DefineType(d)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.audit(audit.OpTypeDefine, "", map[string]interface{}{"type": d.Name})
	return nil
}

// Search returns summaries of records whose id, title, type, tags or text
// fields contain query. Secret values are never searched.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]credential.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.acquire()
	if err != nil {
		return nil, err
	}
	if s.index == nil {
		return nil, ErrNoIndex
	}
	ids, err := s.index.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("session: search failed: %w", err)
	}
	out := make([]credential.Summary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.model.Get(id)
		if err != nil {
			continue
		}
		out = append(out, rec.Summary())
		rec.Wipe()
	}
	return out, nil
}

// RecordAccess audits a read made by the caller, such as revealing or
// masking a record.
func (m *Manager) RecordAccess(op, credentialID string) {
	m.audit(op, credentialID, nil)
}

func (m *Manager) audit(op, credentialID string, ctx map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.Log(op, m.source, audit.ResultSuccess, credentialID, nil, ctx); err != nil {
		m.logger.Warnw("audit log failed", "op", op, "error", err)
	}
}

func (m *Manager) auditError(op, credentialID string, cause error) {
	if m.auditor == nil {
		return
	}
	info := &audit.ErrorInfo{Code: errorCode(cause), Message: cause.Error()}
	if err := m.auditor.Log(op, m.source, audit.ResultError, credentialID, info, nil); err != nil {
		m.logger.Warnw("audit log failed", "op", op, "error", err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrDuplicateID):
		return "DUPLICATE_ID"
	case errors.Is(err, repository.ErrSchema):
		return "SCHEMA"
	case errors.Is(err, repository.ErrCriticalCorruption):
		return "CORRUPTION"
	case errors.Is(err, repository.ErrRepairIncomplete):
		return "REPAIR_INCOMPLETE"
	case errors.Is(err, ErrRepairRequired):
		return "REPAIR_REQUIRED"
	case errors.Is(err, repository.ErrInsufficientDisk):
		return "DISK_FULL"
	case errors.Is(err, repository.ErrIO):
		return "IO"
	default:
		return "ERROR"
	}
}
