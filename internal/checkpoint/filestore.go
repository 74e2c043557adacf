package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
	"github.com/Allen15763/spe-bank-recon/internal/table"
)

const (
	contextFile = "context.json"
	primaryBase = "primary"
	tmpPrefix   = ".tmp-"
)

// Store is the filesystem checkpoint store. Layout:
//
//	<root>/<run_id>/<task>_<type>_after_<step>/
//	    primary.csv, primary.schema.json
//	    aux_000_<name>.csv, aux_000_<name>.schema.json, ...
//	    context.json
//	    manifest.json
//
// Every write goes to a hidden temp directory first and is published with
// one rename, manifest written last, so a crash can never leave a
// loadable half-checkpoint behind.
type Store struct {
	root         string
	secret       string
	logger       *log.Logger
	bytesCounter otelmetric.Int64Counter
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSecret enables HMAC signing of manifests. Loads then require the
// same secret.
func WithSecret(secret string) StoreOption {
	return func(s *Store) { s.secret = secret }
}

// WithLogger overrides the default store logger.
func WithLogger(l *log.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMeter records bytes written per saved checkpoint.
func WithMeter(meter otelmetric.Meter) StoreOption {
	return func(s *Store) {
		var err error
		s.bytesCounter, err = meter.Int64Counter("checkpoint_bytes_written")
		if err != nil {
			s.logger.Printf("warn: create checkpoint bytes counter failed: %v", err)
		}
	}
}

// NewStore opens (creating if needed) a checkpoint root directory.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("checkpoint: empty root directory")
	}
	s := &Store{
		root:   root,
		logger: log.New(log.Writer(), "[CHECKPOINT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root: %w", err)
	}
	return s, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

var _ pipeline.CheckpointSaver = (*Store)(nil)

// Save snapshots pc after stepName and returns the checkpoint id. A
// re-executed step replaces its earlier snapshot within the same run;
// other runs are never touched.
func (s *Store) Save(ctx context.Context, pc *pipeline.Context, stepName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if stepName == "" {
		return "", fmt.Errorf("checkpoint: empty step name")
	}
	id := ID(pc.TaskName(), pc.TaskType(), stepName)
	runDir := filepath.Join(s.root, sanitize(pc.RunID()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint %s: create run dir: %w", id, err)
	}

	tmp := filepath.Join(runDir, fmt.Sprintf("%s%s-%d", tmpPrefix, id, time.Now().UnixNano()))
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint %s: create temp dir: %w", id, err)
	}
	defer os.RemoveAll(tmp)

	payload := Payload{
		Version:       manifestVersion,
		ID:            id,
		RunID:         pc.RunID(),
		TaskName:      pc.TaskName(),
		TaskType:      pc.TaskType(),
		StepName:      stepName,
		SavedAt:       time.Now().UTC(),
		HistoryLength: pc.HistoryLength(),
	}

	snap := pc.Snapshot()
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: marshal context: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, contextFile), raw, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint %s: write context: %w", id, err)
	}
	if payload.Context, err = fileRef(tmp, contextFile); err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", id, err)
	}

	if prim := pc.PrimaryData(); prim != nil {
		ref, err := s.writeTable(tmp, primaryBase, "", prim)
		if err != nil {
			return "", fmt.Errorf("checkpoint %s: primary table: %w", id, err)
		}
		payload.Primary = &ref
	}
	for i, name := range pc.AuxiliaryNames() {
		tbl, _ := pc.AuxiliaryData(name)
		base := fmt.Sprintf("aux_%03d_%s", i, sanitize(name))
		ref, err := s.writeTable(tmp, base, name, tbl)
		if err != nil {
			return "", fmt.Errorf("checkpoint %s: auxiliary %q: %w", id, name, err)
		}
		payload.Auxiliary = append(payload.Auxiliary, ref)
	}

	signed, err := Sign(payload, s.secret, payload.SavedAt)
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: sign manifest: %w", id, err)
	}
	rawManifest, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: marshal manifest: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), rawManifest, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint %s: write manifest: %w", id, err)
	}

	final := filepath.Join(runDir, id)
	if err := os.Rename(tmp, final); err != nil {
		if rmErr := os.RemoveAll(final); rmErr != nil {
			return "", fmt.Errorf("checkpoint %s: replace: %w", id, rmErr)
		}
		if err := os.Rename(tmp, final); err != nil {
			return "", fmt.Errorf("checkpoint %s: publish: %w", id, err)
		}
	}
	if s.bytesCounter != nil {
		s.bytesCounter.Add(ctx, dirBytes(final), otelmetric.WithAttributes(
			attribute.String("step", stepName),
		))
	}
	s.logger.Printf("saved %s (run %s, %d history records)", id, pc.RunID(), payload.HistoryLength)
	return id, nil
}

// dirBytes sums the sizes of the regular files directly under dir.
func dirBytes(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += info.Size()
	}
	return total
}

func (s *Store) writeTable(dir, base, name string, t *table.Table) (TableRef, error) {
	if err := table.WriteFile(dir, base, t); err != nil {
		return TableRef{}, err
	}
	data, err := fileRef(dir, base+".csv")
	if err != nil {
		return TableRef{}, err
	}
	schema, err := fileRef(dir, base+".schema.json")
	if err != nil {
		return TableRef{}, err
	}
	return TableRef{Name: name, Rows: t.NumRows(), Data: data, Schema: schema}, nil
}

// Load reconstructs the context stored under id. With a run id the lookup
// is direct; without one the newest snapshot with that id across all runs
// wins.
func (s *Store) Load(ctx context.Context, runID, id string) (*pipeline.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("checkpoint: empty id")
	}
	dir, signed, err := s.resolve(runID, id)
	if err != nil {
		return nil, err
	}
	if err := Verify(*signed, s.secret); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	p := signed.Manifest

	if err := verifyRef(dir, p.Context); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	rawCtx, err := os.ReadFile(filepath.Join(dir, p.Context.File))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read context: %v", ErrCorrupt, id, err)
	}
	var snap pipeline.Snapshot
	if err := json.Unmarshal(rawCtx, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: parse context: %v", ErrCorrupt, id, err)
	}
	if snap.RunID != p.RunID || snap.TaskName != p.TaskName {
		return nil, fmt.Errorf("%w: %s: context does not match manifest identity", ErrCorrupt, id)
	}

	var primary *table.Table
	if p.Primary != nil {
		primary, err = s.readTable(dir, *p.Primary)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: primary table: %v", ErrCorrupt, id, err)
		}
	}
	aux := make(map[string]*table.Table, len(p.Auxiliary))
	for _, ref := range p.Auxiliary {
		tbl, err := s.readTable(dir, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: auxiliary %q: %v", ErrCorrupt, id, ref.Name, err)
		}
		aux[ref.Name] = tbl
	}

	pc, err := pipeline.Restore(snap, primary, aux)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return pc, nil
}

func (s *Store) readTable(dir string, ref TableRef) (*table.Table, error) {
	if err := verifyRef(dir, ref.Data); err != nil {
		return nil, err
	}
	if err := verifyRef(dir, ref.Schema); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(ref.Data.File, ".csv")
	t, err := table.ReadFile(dir, base)
	if err != nil {
		return nil, err
	}
	if t.NumRows() != ref.Rows {
		return nil, fmt.Errorf("row count %d does not match manifest %d", t.NumRows(), ref.Rows)
	}
	return t, nil
}

// resolve locates the checkpoint directory and reads its manifest. A
// missing or unparsable manifest is a not-found, never a corruption: an
// interrupted save leaves no manifest behind.
func (s *Store) resolve(runID, id string) (string, *Signed, error) {
	if runID != "" {
		dir := filepath.Join(s.root, sanitize(runID), id)
		signed, err := readManifest(dir)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s (run %s)", ErrNotFound, id, runID)
		}
		return dir, signed, nil
	}

	runs, err := os.ReadDir(s.root)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var (
		bestDir    string
		bestSigned *Signed
	)
	for _, run := range runs {
		if !run.IsDir() || strings.HasPrefix(run.Name(), tmpPrefix) {
			continue
		}
		dir := filepath.Join(s.root, run.Name(), id)
		signed, err := readManifest(dir)
		if err != nil {
			continue
		}
		if bestSigned == nil || signed.Manifest.SavedAt.After(bestSigned.Manifest.SavedAt) {
			bestDir, bestSigned = dir, signed
		}
	}
	if bestSigned == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return bestDir, bestSigned, nil
}

func readManifest(dir string) (*Signed, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var signed Signed
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// List enumerates valid checkpoints matching f, ordered by save time then
// id. Unverifiable directories are skipped, not errors.
func (s *Store) List(ctx context.Context, f Filter) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read root: %w", err)
	}
	var infos []Info
	for _, run := range runs {
		if !run.IsDir() || strings.HasPrefix(run.Name(), tmpPrefix) {
			continue
		}
		runDir := filepath.Join(s.root, run.Name())
		entries, err := os.ReadDir(runDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
				continue
			}
			dir := filepath.Join(runDir, e.Name())
			signed, err := readManifest(dir)
			if err != nil {
				continue
			}
			if err := Verify(*signed, s.secret); err != nil {
				s.logger.Printf("skipping unverifiable checkpoint %s: %v", dir, err)
				continue
			}
			info := infoFromPayload(dir, signed.Manifest)
			if f.matches(info) {
				infos = append(infos, info)
			}
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].SavedAt.Equal(infos[j].SavedAt) {
			return infos[i].SavedAt.Before(infos[j].SavedAt)
		}
		if infos[i].RunID != infos[j].RunID {
			return infos[i].RunID < infos[j].RunID
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// Latest returns the newest valid checkpoint matching f.
func (s *Store) Latest(ctx context.Context, f Filter) (Info, error) {
	infos, err := s.List(ctx, f)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, fmt.Errorf("%w: no checkpoint matches filter", ErrNotFound)
	}
	return infos[len(infos)-1], nil
}

// Delete removes one checkpoint.
func (s *Store) Delete(ctx context.Context, runID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runID == "" || id == "" {
		return fmt.Errorf("checkpoint: delete needs run id and checkpoint id")
	}
	dir := filepath.Join(s.root, sanitize(runID), id)
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("%w: %s (run %s)", ErrNotFound, id, runID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", id, err)
	}
	s.logger.Printf("deleted %s (run %s)", id, runID)
	return nil
}

// CleanupOld deletes all but the newest keepLast checkpoints of a task,
// then prunes run directories left empty. Returns how many checkpoints
// were removed.
func (s *Store) CleanupOld(ctx context.Context, taskName string, keepLast int) (int, error) {
	if keepLast < 0 {
		return 0, fmt.Errorf("checkpoint: keepLast must be >= 0")
	}
	infos, err := s.List(ctx, Filter{TaskName: taskName})
	if err != nil {
		return 0, err
	}
	if len(infos) <= keepLast {
		return 0, nil
	}
	doomed := infos[:len(infos)-keepLast]
	removed := 0
	for _, info := range doomed {
		if err := os.RemoveAll(info.Dir); err != nil {
			return removed, fmt.Errorf("checkpoint: cleanup %s: %w", info.ID, err)
		}
		removed++
	}
	s.pruneEmptyRuns()
	s.logger.Printf("cleanup %s: removed %d checkpoints, kept %d", taskName, removed, keepLast)
	return removed, nil
}

func (s *Store) pruneEmptyRuns() {
	runs, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, run.Name())
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			os.Remove(dir)
		}
	}
}
