package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Configurations []Configuration             `yaml:"configurations"`
	Dashboards     map[string]*DashboardRecord `yaml:"dashboards"`
}

// FileStore keeps everything in one YAML document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) load() (*fileDocument, error) {
	doc := &fileDocument{Dashboards: make(map[string]*DashboardRecord)}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.path)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrapf(err, "parse %s", f.path)
	}
	if doc.Dashboards == nil {
		doc.Dashboards = make(map[string]*DashboardRecord)
	}
	for id, d := range doc.Dashboards {
		if d.ID == "" {
			d.ID = id
		}
	}
	return doc, nil
}

func (f *FileStore) save(doc *fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode store")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return errors.Wrap(err, "create store dir")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write store")
	}
	return errors.Wrap(os.Rename(tmp, f.path), "replace store")
}

func (f *FileStore) Configurations(ctx context.Context) ([]Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(doc.Configurations, func(i, j int) bool {
		return doc.Configurations[i].ID < doc.Configurations[j].ID
	})
	return doc.Configurations, nil
}

func (f *FileStore) Configuration(ctx context.Context, id string) (*Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Configurations {
		if doc.Configurations[i].ID == id {
			return &doc.Configurations[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "configuration %q", id)
}

func (f *FileStore) Dashboards(ctx context.Context, ids []string) (map[string]*DashboardRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*DashboardRecord, len(ids))
	for _, id := range ids {
		if d, ok := doc.Dashboards[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f *FileStore) SaveDashboard(ctx context.Context, rec *DashboardRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("save dashboard: missing id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Dashboards[rec.ID] = rec
	return f.save(doc)
}

// PutConfiguration inserts or replaces a configuration.
func (f *FileStore) PutConfiguration(ctx context.Context, cfg Configuration) error {
	if cfg.ID == "" {
		return errors.New("put configuration: missing id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Configurations {
		if doc.Configurations[i].ID == cfg.ID {
			doc.Configurations[i] = cfg
			replaced = true
		}
	}
	if !replaced {
		doc.Configurations = append(doc.Configurations, cfg)
	}
	return f.save(doc)
}
