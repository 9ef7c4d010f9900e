// Package policyd is a thin ipc.Server consumer exercising the wire
// contract end to end (SPEC_FULL.md SUPPLEMENTED FEATURES): it loads
// TOML allow-rules the way original_source/.../userspace/policy/src/lib.rs
// does, answers capnp-encoded CheckRequest/CheckResponse frames, and
// reloads its rule file on change. Per spec.md §1, this is deliberately
// a thin demo — the policy engine's actual business logic is out of
// scope for the IPC core.
package policyd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/open-nexus-OS/nexus-ipc/internal/kernel/klog"
	"github.com/open-nexus-OS/nexus-ipc/internal/policywire"
	"github.com/open-nexus-OS/nexus-ipc/ipc"
)

// Denied mirrors the original's Denied: which required capabilities the
// subject does not hold.
type Denied struct {
	Missing []string
}

func (d *Denied) Error() string {
	return fmt.Sprintf("missing capabilities: %s", strings.Join(d.Missing, ", "))
}

type rawPolicy struct {
	Allow map[string][]string `toml:"allow"`
}

// Doc is an in-memory allow-list, keyed by canonicalized subject name.
type Doc struct {
	mu    sync.RWMutex
	allow map[string]map[string]struct{}
}

func newDoc() *Doc {
	return &Doc{allow: make(map[string]map[string]struct{})}
}

func canonical(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// SubjectCount reports the number of subjects with explicit entries.
func (d *Doc) SubjectCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.allow)
}

// CapabilityCount reports the total number of capabilities across all
// subjects.
func (d *Doc) CapabilityCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, caps := range d.allow {
		n += len(caps)
	}
	return n
}

// Check reports whether subject holds every capability in required,
// returning a *Denied naming what's missing otherwise.
func (d *Doc) Check(required []string, subject string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	allowed := d.allow[canonical(subject)]
	var missing []string
	for _, c := range required {
		cc := canonical(c)
		if _, ok := allowed[cc]; !ok {
			missing = append(missing, cc)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &Denied{Missing: missing}
}

func (d *Doc) merge(raw rawPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for subject, caps := range raw.Allow {
		set := make(map[string]struct{}, len(caps))
		for _, c := range caps {
			set[canonical(c)] = struct{}{}
		}
		d.allow[canonical(subject)] = set
	}
}

// LoadDir reads every *.toml file in dir, in lexical order (later files
// override earlier ones for the same subject, matching the original's
// sorted-merge behavior), and returns the merged document.
func LoadDir(dir string) (*Doc, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policyd: read policy dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	doc := newDoc()
	for _, name := range names {
		path := filepath.Join(dir, name)
		var raw rawPolicy
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("policyd: parse %s: %w", path, err)
		}
		doc.merge(raw)
	}
	return doc, nil
}

const opcodeCheck byte = 1

// Service answers CHECK requests against a live Doc. Reload swaps the
// active document atomically so an in-flight handleFrame never sees a
// half-updated policy.
type Service struct {
	mu  sync.RWMutex
	doc *Doc
}

// NewService wraps doc.
func NewService(doc *Doc) *Service {
	return &Service{doc: doc}
}

// Reload replaces the active policy document, called by the fsnotify
// watcher when the rule directory changes.
func (s *Service) Reload(doc *Doc) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

func (s *Service) activeDoc() *Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// HandleFrame dispatches a single opcode-tagged request frame, mirroring
// PolicyService::handle_frame.
func (s *Service) HandleFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("policyd: empty request")
	}
	switch frame[0] {
	case opcodeCheck:
		return s.handleCheck(frame[1:])
	default:
		return nil, fmt.Errorf("policyd: unknown opcode %d", frame[0])
	}
}

func (s *Service) handleCheck(payload []byte) ([]byte, error) {
	req, err := policywire.DecodeCheckRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("policyd: decode check request: %w", err)
	}

	var resp policywire.CheckResponse
	if err := s.activeDoc().Check(req.RequiredCaps, req.Subject); err != nil {
		denied := err.(*Denied)
		resp = policywire.CheckResponse{Allowed: false, Missing: denied.Missing}
	} else {
		resp = policywire.CheckResponse{Allowed: true}
	}

	body, err := policywire.EncodeCheckResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("policyd: encode check response: %w", err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, opcodeCheck)
	out = append(out, body...)
	return out, nil
}

// Serve runs the daemon main loop over server, blocking until the
// transport closes (mirrors the original's serve()).
func Serve(server ipc.Server, service *Service) error {
	for {
		frame, err := server.Recv(ipc.Blocking)
		if err != nil {
			if err == ipc.ErrClosed {
				return nil
			}
			return fmt.Errorf("policyd: recv: %w", err)
		}
		resp, err := service.HandleFrame(frame)
		if err != nil {
			klog.Warn("policyd: request failed", "err", err)
			continue
		}
		if err := server.Send(resp, ipc.Blocking); err != nil {
			return fmt.Errorf("policyd: send: %w", err)
		}
	}
}
