package filedrop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/lherron/tfsync/internal/analysis"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/hwm"
)

const (
	markLastFile = "filedrop.last_file"
	markSequence = "filedrop.sequence"
)

// Source reads change files from a directory. Files are ingested once, in
// name order; the name of the last ingested file is its high-water mark.
type Source struct {
	dir    string
	svc    *analysis.Services
	logger *log.Logger

	lastFile *hwm.Mark[string]
	sequence *hwm.Mark[int64]
}

var (
	_ analysis.AnalysisProvider    = (*Source)(nil)
	_ analysis.ForceSyncProvider   = (*Source)(nil)
	_ analysis.ContextInfoProvider = (*Source)(nil)
)

func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

func (s *Source) Dir() string { return s.dir }

func (s *Source) InitializeServices(svc *analysis.Services) error {
	s.svc = svc
	s.logger = svc.Logger
	if s.logger == nil {
		s.logger = log.Default()
	}
	svc.ChangeGroups.RegisterDefaultSerializer(ItemSerializer{})

	var err error
	if s.lastFile, err = analysis.NewHighWaterMark[string](svc, markLastFile, hwm.StringCodec{}, ""); err != nil {
		return err
	}
	if s.sequence, err = analysis.NewHighWaterMark[int64](svc, markSequence, hwm.Int64Codec{}, 0); err != nil {
		return err
	}
	return nil
}

func (s *Source) RegisterConflictTypes(*conflict.Manager) error { return nil }

// GenerateContextInfoTable checks that the drop directory is readable.
func (s *Source) GenerateContextInfoTable(context.Context) error {
	files, err := listChangeFiles(s.dir)
	if err != nil {
		return err
	}
	s.logger.Debug("drop directory scanned", "dir", s.dir, "files", len(files))
	return nil
}

// GenerateDeltaTable ingests change files newer than the high-water mark.
// Actions whose item version was written by the sync are dropped.
func (s *Source) GenerateDeltaTable(ctx context.Context) error {
	if err := s.lastFile.Reload(); err != nil {
		return err
	}
	if err := s.sequence.Reload(); err != nil {
		return err
	}
	last, _ := s.lastFile.Value()
	seq, _ := s.sequence.Value()

	files, err := listChangeFiles(s.dir)
	if err != nil {
		return err
	}
	for _, name := range files {
		if name <= last {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cf, err := s.readChangeFile(name)
		if err != nil {
			return err
		}
		seq++
		n, err := s.ingest(ctx, name, cf, seq)
		if err != nil {
			return err
		}
		if err := s.sequence.Update(seq); err != nil {
			return err
		}
		if err := s.lastFile.Update(name); err != nil {
			return err
		}
		s.logger.Info("change file ingested", "file", name, "actions", n)
	}
	return nil
}

func (s *Source) readChangeFile(name string) (*ChangeFile, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read change file: %w", err)
	}
	return ParseChangeFile(name, data)
}

func (s *Source) ingest(ctx context.Context, file string, cf *ChangeFile, order int64) (int, error) {
	added := 0
	for i := range cf.Actions {
		p := cf.actionParams(file, i)
		if s.svc.Translation != nil && p.Version != "" {
			synced, err := s.svc.Translation.IsSyncGeneratedItemVersion(p.Path, p.Version, s.svc.SourceID)
			if err != nil {
				return added, err
			}
			if synced {
				s.logger.Debug("sync generated version dropped", "item", p.Path, "version", p.Version)
				continue
			}
		}
		_, _, err := s.svc.ChangeGroups.AddMigrationActionToDeltaTable(ctx, changegroup.DeltaActionParams{
			GroupName:      cf.Name,
			Comment:        cf.Comment,
			Owner:          cf.Owner,
			ExecutionOrder: order,
			ActionTime:     cf.Time,
			Action:         p,
		})
		if err != nil {
			return added, err
		}
		added++
	}
	if _, err := s.svc.ChangeGroups.FlushDeltaGroup(ctx); err != nil {
		return added, err
	}
	return added, nil
}

// GenerateDeltaTableForForceSync re-emits the latest ingested action of each
// item as a forced edit.
func (s *Source) GenerateDeltaTableForForceSync(ctx context.Context, itemIDs []string) error {
	if err := s.lastFile.Reload(); err != nil {
		return err
	}
	last, _ := s.lastFile.Value()
	files, err := listChangeFiles(s.dir)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	latest := make(map[string]changegroup.ActionParams)
	for _, name := range files {
		if last != "" && name > last {
			break
		}
		cf, err := s.readChangeFile(name)
		if err != nil {
			return err
		}
		for i, a := range cf.Actions {
			if want[a.Item] {
				latest[a.Item] = cf.actionParams(name, i)
			}
		}
	}

	g := s.svc.ChangeGroups.CreateChangeGroupForDeltaTable("force-sync")
	g.SetIsForcedSync(true)
	for _, id := range itemIDs {
		p, ok := latest[id]
		if !ok {
			s.logger.Warn("force sync item not found", "item", id)
			continue
		}
		if p.Kind != domain.ActionDelete {
			p.Kind = domain.ActionEdit
		}
		if _, err := g.CreateAction(p); err != nil {
			return err
		}
	}
	if g.ActionCount() == 0 {
		return nil
	}
	return g.Save(ctx)
}

func (s *Source) DetectConflicts(context.Context, *changegroup.Group) error { return nil }
