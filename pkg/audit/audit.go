// Package audit provides an append-only audit log with an HMAC chain for
// tamper detection.
//
// Events are written one JSON object per line to monthly files
// (YYYY-MM.jsonl). Each event carries the HMAC of its predecessor, so
// removing, reordering or editing a record breaks verification. Credential
// ids are stored as keyed HMACs, never in the clear.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/repository"
)

// MinAuditDiskSpace is the free space required before an append.
const MinAuditDiskSpace = 1024 * 1024

const (
	metaFile    = "audit.meta"
	genesisHash = "genesis"
)

// Operation types
const (
	OpRepositoryOpen       = "repository.open"
	OpRepositoryOpenFailed = "repository.open_failed"
	OpRepositoryRepair     = "repository.repair"
	OpRepositorySave       = "repository.save"
	OpRepositoryClose      = "repository.close"

	OpCredentialCreate    = "credential.create"
	OpCredentialUpdate    = "credential.update"
	OpCredentialDelete    = "credential.delete"
	OpCredentialReveal    = "credential.reveal"
	OpCredentialGetMasked = "credential.get_masked"
	OpCredentialList      = "credential.list"
	OpCredentialSearch    = "credential.search"
	OpCredentialExists    = "credential.exists"
	OpTypeDefine          = "type.define"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// ErrKeyNotSet is returned when logging before SetKey.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation  string `json:"op"`
	Credential string `json:"cred,omitempty"` // HMAC of the credential id

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]interface{} `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details. Messages must not carry secrets.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links an event to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// ChainState is persisted in audit.meta between sessions.
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends events to the audit log in one directory.
type Logger struct {
	path      string
	mu        sync.Mutex
	hmacKey   []byte
	sequence  int64
	prevHash  string
	sessionID string
	now       func() time.Time
}

// NewLogger creates a logger writing under path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesisHash,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Path returns the audit log directory.
func (l *Logger) Path() string { return l.path }

// SetKey installs the chain HMAC key and resumes the persisted chain.
func (l *Logger) SetKey(key []byte) error {
	if len(key) != crypto.KeyLength {
		return fmt.Errorf("audit: key must be %d bytes", crypto.KeyLength)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = append([]byte(nil), key...)
	if err := l.loadChainState(); err != nil {
		l.sequence = 0
		l.prevHash = genesisHash
	}
	return nil
}

// ClearKey wipes the HMAC key. Logging fails until SetKey is called again.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = nil
}

// SetSessionID tags subsequent events with id.
func (l *Logger) SetSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

// Log records an event. credentialID is stored as an HMAC.
func (l *Logger) Log(op, source, result, credentialID string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if info, err := repository.DiskSpace(l.path); err == nil && info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, MinAuditDiskSpace)
	}

	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if credentialID != "" {
		event.Credential = l.credentialHMAC(credentialID)
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)

	if err := l.writeEvent(now, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, credentialID string) error {
	return l.Log(op, source, ResultSuccess, credentialID, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, credentialID, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, credentialID, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// CredentialHMAC returns the digest stored for a credential id, for
// filtering events by credential.
func (l *Logger) CredentialHMAC(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credentialHMAC(id)
}

func (l *Logger) credentialHMAC(id string) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Logger) sign(event *Event) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(recordData(event))
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData is the canonical byte form covered by the chain HMAC.
func recordData(event *Event) []byte {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}

	var ctx strings.Builder
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&ctx, "%s=%v|", k, event.Context[k])
	}

	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Credential,
		event.Source,
		event.SessionID,
		event.Result,
		errorData,
		ctx.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	))
}

func (l *Logger) writeEvent(now time.Time, event *Event) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFile))
	if err != nil {
		return err
	}
	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(ChainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks the whole chain from genesis.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesisHash
	var expectedSeq int64 = 1
	for i := range events {
		event := &events[i]
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(l.sign(event)), []byte(event.Chain.HMAC)) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}
	return result, nil
}

// ListEvents returns events after since (zero means all), keeping the most
// recent limit events (0 means no limit).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil && t.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Export renders events as "json" or "csv".
func (l *Logger) Export(format string, since time.Time) ([]byte, error) {
	events, err := l.ListEvents(0, since)
	if err != nil {
		return nil, err
	}
	switch format {
	case "json":
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		var buf bytes.Buffer
		buf.WriteString("timestamp,operation,source,result,credential\n")
		for _, e := range events {
			cred := e.Credential
			if len(cred) > 16 {
				cred = cred[:16] + "..."
			}
			fmt.Fprintf(&buf, "%s,%s,%s,%s,%s\n",
				csvEscape(e.Timestamp), csvEscape(e.Operation), csvEscape(e.Source),
				csvEscape(e.Result), csvEscape(cred))
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// csvEscape quotes fields that contain separators or could be read as a
// spreadsheet formula.
func csvEscape(field string) string {
	if field == "" {
		return field
	}
	needsQuoting := strings.ContainsAny(field[:1], "=+-@") || strings.ContainsAny(field, ",\"\r\n")
	if !needsQuoting {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically.
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fe, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, fe...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
