package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/flatpkg/internal/domain/build"
)

const (
	// RecordSuffix is appended to the artifact filename to name its build record.
	RecordSuffix = ".build.json"

	artifactPermissions = 0o644
	dirPermissions      = 0o755

	fieldBuildID    = "build_id"
	fieldIdentifier = "identifier"
	fieldSigned     = "signed"
	fieldMerged     = "merged"
	fieldBuiltAt    = "built_at"
	fieldSize       = "size"
	fieldSHA256     = "sha256"
)

var (
	// ErrNotFound is returned when no artifact is stored under the filename.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidFilename is returned for empty filenames and filenames with path separators.
	ErrInvalidFilename = errors.New("invalid artifact filename")
	// ErrCorrupted is returned when a stored artifact does not match its build record.
	ErrCorrupted = errors.New("artifact does not match its build record")
)

// Repository defines persistence operations for finished artifacts.
type Repository interface {
	Save(ctx context.Context, result *build.Result) (string, error)
	Load(ctx context.Context, filename string) (*build.Result, error)
}

// FileRepository persists artifacts to a directory on disk.
// Build records are produced and consumed via protobuf JSON (protojson).
type FileRepository struct {
	// dir is the output directory.
	dir string
	// mu serializes writes of the same directory.
	mu sync.Mutex
}

// NewFileRepository creates a repository writing into dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{
		dir: filepath.Clean(dir),
	}
}

// Dir returns the output directory.
func (r *FileRepository) Dir() string {
	return r.dir
}

// Save writes the artifact and its build record and returns the artifact path.
func (r *FileRepository) Save(_ context.Context, result *build.Result) (string, error) {
	if err := checkFilename(result.Filename); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, dirPermissions); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	record, err := toRecord(result)
	if err != nil {
		return "", err
	}

	data, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode build record: %w", err)
	}

	path := filepath.Join(r.dir, result.Filename)

	if err = writeAtomic(path, result.Content, artifactPermissions); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	if err = writeAtomic(path+RecordSuffix, data, artifactPermissions); err != nil {
		return "", fmt.Errorf("write build record: %w", err)
	}

	return path, nil
}

// Load reads the artifact stored under filename and checks it against its build record.
func (r *FileRepository) Load(_ context.Context, filename string) (*build.Result, error) {
	if err := checkFilename(filename); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir, filename)

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read artifact: %w", err)
	}

	data, err := os.ReadFile(path + RecordSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read build record: %w", err)
	}

	var record structpb.Struct
	if err = protojson.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode build record: %w", err)
	}

	return fromRecord(&record, filename, content)
}

// toRecord converts a Result into its JSON build record.
func toRecord(result *build.Result) (*structpb.Struct, error) {
	record, err := structpb.NewStruct(map[string]any{
		fieldBuildID:    result.BuildID,
		fieldIdentifier: result.Identifier,
		fieldSigned:     result.Signed,
		fieldMerged:     result.Merged,
		fieldBuiltAt:    result.BuiltAt.UTC().Format(time.RFC3339Nano),
		fieldSize:       len(result.Content),
		fieldSHA256:     digest(result.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("build record: %w", err)
	}

	return record, nil
}

// fromRecord converts a build record and the artifact content back into a Result.
func fromRecord(record *structpb.Struct, filename string, content []byte) (*build.Result, error) {
	fields := record.GetFields()

	if fields[fieldSHA256].GetStringValue() != digest(content) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, filename)
	}

	builtAt, err := time.Parse(time.RFC3339Nano, fields[fieldBuiltAt].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode build time: %w", err)
	}

	return &build.Result{
		BuildID:    fields[fieldBuildID].GetStringValue(),
		Filename:   filename,
		Content:    content,
		Identifier: fields[fieldIdentifier].GetStringValue(),
		Signed:     fields[fieldSigned].GetBoolValue(),
		Merged:     fields[fieldMerged].GetBoolValue(),
		BuiltAt:    builtAt,
	}, nil
}

func checkFilename(filename string) error {
	if filename == "" || filename != filepath.Base(filename) || strings.ContainsAny(filename, `/\`) ||
		filename == "." || filename == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	return nil
}

// writeAtomic writes data to a temporary file next to path and renames it into place.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)

	return hex.EncodeToString(sum[:])
}
