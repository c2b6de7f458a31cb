package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/torchd/internal/config"
)

const (
	fieldIntensity = "intensity"
	fieldKeepAlive = "keep_alive"
	fieldUpdatedAt = "updated_at"
)

// Preferences are the persisted user settings.
type Preferences struct {
	// Intensity is the last explicitly requested intensity. Zero means unset.
	Intensity int
	// KeepAlive keeps the primary host resident after the torch turns off.
	KeepAlive bool
	// UpdatedAt is when the preferences were last saved.
	UpdatedAt time.Time
}

// Repository defines persistence operations for preferences.
type Repository interface {
	Load(ctx context.Context) (*Preferences, error)
	Save(ctx context.Context, prefs *Preferences) error
}

// ErrNotFound is returned when the preferences file does not exist yet.
var ErrNotFound = errors.New("preferences not found")

// FileRepository persists preferences to a JSON file on disk. The file holds a
// google.protobuf.Struct encoded with protojson, so it stays editable by hand.
type FileRepository struct {
	// path is the filesystem location of the preferences file.
	path string
	// mu protects concurrent access to the file.
	mu sync.Mutex
}

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the location of the preferences file.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the preferences from disk.
func (r *FileRepository) Load(_ context.Context) (*Preferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read preferences file: %w", err)
	}

	var doc structpb.Struct
	if err = protojson.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decode preferences file: %w", err)
	}

	return fromStruct(&doc), nil
}

// Save writes the preferences to disk.
func (r *FileRepository) Save(_ context.Context, prefs *Preferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := toStruct(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true}.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write preferences file: %w", err)
	}

	return nil
}

// fromStruct converts the stored document into Preferences. Unknown or
// mistyped fields are ignored.
func fromStruct(doc *structpb.Struct) *Preferences {
	prefs := new(Preferences)
	fields := doc.GetFields()

	if v, ok := fields[fieldIntensity].GetKind().(*structpb.Value_NumberValue); ok && v.NumberValue > 0 {
		prefs.Intensity = int(v.NumberValue)
	}

	prefs.KeepAlive = fields[fieldKeepAlive].GetBoolValue()

	if raw := fields[fieldUpdatedAt].GetStringValue(); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			prefs.UpdatedAt = ts
		}
	}

	return prefs
}

// toStruct converts Preferences into the stored document.
func toStruct(prefs *Preferences) (*structpb.Struct, error) {
	fields := map[string]any{
		fieldIntensity: prefs.Intensity,
		fieldKeepAlive: prefs.KeepAlive,
	}

	if !prefs.UpdatedAt.IsZero() {
		fields[fieldUpdatedAt] = prefs.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	return structpb.NewStruct(fields)
}
