// Package file provides file-based persistence for executions, queue jobs and workflows.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/genflow/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	executionsRepo *ExecutionRepository
	jobsRepo       *JobRepository
	workflowsRepo  *WorkflowRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		executionsRepo: NewExecutionRepository(cleanRoot),
		jobsRepo:       NewJobRepository(cleanRoot),
		workflowsRepo:  NewWorkflowRepository(cleanRoot),
	}
}

func (fp *Persistence) Executions() persistence.ExecutionRepository {
	return fp.executionsRepo
}

func (fp *Persistence) Jobs() persistence.JobRepository {
	return fp.jobsRepo
}

func (fp *Persistence) Workflows() persistence.WorkflowRepository {
	return fp.workflowsRepo
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// documents stores one JSON file per document. The mutex serialises every
// read-modify-write so keyed updates are atomic within the process.
type documents[T any] struct {
	mu  sync.Mutex
	dir string
}

func newDocuments[T any](root, name string) *documents[T] {
	return &documents[T]{dir: filepath.Join(root, name)}
}

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("ID cannot be empty")
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("ID contains invalid characters")
	}

	return nil
}

func (d *documents[T]) path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

// read returns os.ErrNotExist when the document is missing. Callers hold d.mu.
func (d *documents[T]) read(id string) (*T, error) {
	err := validateID(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(d.path(id))
	if err != nil {
		return nil, err
	}

	var doc T

	err = json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return &doc, nil
}

// write replaces the document through a temporary file. Callers hold d.mu.
func (d *documents[T]) write(id string, doc *T) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	err = os.MkdirAll(d.dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", d.dir, err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp := d.path(id) + ".tmp"

	err = os.WriteFile(tmp, data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	err = os.Rename(tmp, d.path(id))
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", id, err)
	}

	return nil
}

func (d *documents[T]) get(id string) (*T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.read(id)
}

func (d *documents[T]) create(id string, doc *T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := os.Stat(d.path(id))
	if err == nil {
		return fmt.Errorf("document %s already exists", id)
	}

	return d.write(id, doc)
}

func (d *documents[T]) put(id string, doc *T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.write(id, doc)
}

// update applies fn to the stored document and writes it back unless fn fails.
func (d *documents[T]) update(id string, fn func(doc *T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.read(id)
	if err != nil {
		return err
	}

	err = fn(doc)
	if err != nil {
		return err
	}

	return d.write(id, doc)
}

// all loads every stored document.
func (d *documents[T]) all() ([]*T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	docs := make([]*T, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		doc, err := d.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// notFound maps a missing document to sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, os.ErrNotExist) {
		return sentinel
	}

	return err
}
