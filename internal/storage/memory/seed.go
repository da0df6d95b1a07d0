package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/JakeFAU/contact-harvester/internal/crawler"
)

// seedRecord is one JSON line of a seed file.
type seedRecord struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	FallbackURLs []string `json:"fallback_urls"`
	Partition    string   `json:"partition"`
	Category     string   `json:"category"`
	QualityScore float64  `json:"quality_score"`
}

// LoadTasks decodes JSON-lines task records and appends them to the store.
// It returns the number of tasks added.
func (s *TaskStore) LoadTasks(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	var tasks []crawler.Task
	for line := 1; ; line++ {
		var rec seedRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("decode task record %d: %w", line, err)
		}
		task, err := crawler.NewTask(rec.ID, rec.URL, rec.FallbackURLs, rec.Partition, rec.Category)
		if err != nil {
			return 0, fmt.Errorf("task record %d: %w", line, err)
		}
		task.QualityScore = rec.QualityScore
		tasks = append(tasks, task)
	}
	s.AddTasks(tasks...)
	return len(tasks), nil
}

// LoadTasksFile is LoadTasks over the file at path.
func (s *TaskStore) LoadTasksFile(path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied seed path
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return s.LoadTasks(f)
}
