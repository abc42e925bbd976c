package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
)

// ErrPublisherUnavailable indicates no export storage is configured.
var ErrPublisherUnavailable = errors.New("export publisher unavailable")

// ProgressCache keeps rendered class progress between attempt writes.
type ProgressCache interface {
	Get(ctx context.Context, classID uint) (dto.ProgressExport, bool, error)
	Set(ctx context.Context, classID uint, export dto.ProgressExport) error
	Invalidate(ctx context.Context, classID uint) error
}

// ExportPublisher stores an export snapshot and returns its URL.
type ExportPublisher interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// ProgressExportService renders the class progress report.
type ProgressExportService interface {
	ExportClassProgress(ctx context.Context, actor Actor, classID uint) (dto.ProgressExport, error)
	WriteCSV(ctx context.Context, actor Actor, classID uint, w io.Writer) error
	PublishExport(ctx context.Context, actor Actor, classID uint) (dto.PublishedExport, error)
}

type progressExportService struct {
	access      classAccess
	assignments repository.ClassAssignmentRepository
	labs        repository.LabRepository
	attempts    repository.AttemptRepository
	cache       ProgressCache
	publisher   ExportPublisher
	logger      zerolog.Logger
	now         func() time.Time
}

// NewProgressExportService constructs the export service. cache and publisher
// are optional.
func NewProgressExportService(classes repository.ClassRepository, assignments repository.ClassAssignmentRepository, labs repository.LabRepository, attempts repository.AttemptRepository, cache ProgressCache, publisher ExportPublisher, logger zerolog.Logger) ProgressExportService {
	if cache == nil {
		cache = noopProgressCache{}
	}
	return &progressExportService{
		access:      classAccess{classes: classes},
		assignments: assignments,
		labs:        labs,
		attempts:    attempts,
		cache:       cache,
		publisher:   publisher,
		logger:      logger.With().Str("component", "progress_export_service").Logger(),
		now:         time.Now,
	}
}

func (s *progressExportService) ExportClassProgress(ctx context.Context, actor Actor, classID uint) (dto.ProgressExport, error) {
	if _, err := s.access.ownedClass(ctx, actor, classID); err != nil {
		return dto.ProgressExport{}, err
	}

	if cached, ok, err := s.cache.Get(ctx, classID); err != nil {
		s.logger.Warn().Err(err).Uint("class_id", classID).Msg("failed to read progress cache")
	} else if ok {
		return cached, nil
	}

	export, err := s.build(ctx, classID)
	if err != nil {
		return dto.ProgressExport{}, err
	}

	if err := s.cache.Set(ctx, classID, export); err != nil {
		s.logger.Warn().Err(err).Uint("class_id", classID).Msg("failed to store progress cache")
	}
	return export, nil
}

func (s *progressExportService) WriteCSV(ctx context.Context, actor Actor, classID uint, w io.Writer) error {
	export, err := s.ExportClassProgress(ctx, actor, classID)
	if err != nil {
		return err
	}
	return writeProgressCSV(w, export)
}

func (s *progressExportService) PublishExport(ctx context.Context, actor Actor, classID uint) (dto.PublishedExport, error) {
	if s.publisher == nil {
		return dto.PublishedExport{}, ErrPublisherUnavailable
	}

	export, err := s.ExportClassProgress(ctx, actor, classID)
	if err != nil {
		return dto.PublishedExport{}, err
	}

	var buf bytes.Buffer
	if err := writeProgressCSV(&buf, export); err != nil {
		return dto.PublishedExport{}, err
	}

	url, err := s.publisher.Upload(ctx, fmt.Sprintf("class-%d-progress.csv", classID), &buf)
	if err != nil {
		return dto.PublishedExport{}, err
	}

	s.logger.Info().Uint("class_id", classID).Str("url", url).Msg("progress export published")
	return dto.PublishedExport{URL: url, GeneratedAt: export.GeneratedAt}, nil
}

// build lays out columns by assignment creation order, then target position,
// and rows by student alias.
func (s *progressExportService) build(ctx context.Context, classID uint) (dto.ProgressExport, error) {
	assignments, err := s.assignments.ListByClass(ctx, classID)
	if err != nil {
		return dto.ProgressExport{}, err
	}

	columns := make([]dto.ProgressColumn, 0)
	index := make(map[models.AttemptKey]int)
	assignmentIDs := make([]string, 0, len(assignments))
	for _, assignment := range assignments {
		challenge, err := s.labs.GetChallenge(ctx, assignment.ChallengeID)
		if err != nil {
			return dto.ProgressExport{}, translateNotFound(err, "challenge", assignment.ChallengeID)
		}
		assignmentIDs = append(assignmentIDs, assignment.ID)

		for i, target := range challenge.TargetCodes {
			index[models.AttemptKey{AssignmentID: assignment.ID, TargetCodeID: target.ID}] = len(columns)
			columns = append(columns, dto.ProgressColumn{
				AssignmentID: assignment.ID,
				LabID:        assignment.LabID,
				ChallengeID:  challenge.ID,
				TargetCodeID: target.ID,
				Label:        fmt.Sprintf("%s #%d", challenge.Title, i+1),
			})
		}
	}

	members, err := s.access.classes.ListActiveMembers(ctx, classID)
	if err != nil {
		return dto.ProgressExport{}, err
	}

	attempts, err := s.attempts.ListForAssignments(ctx, assignmentIDs)
	if err != nil {
		return dto.ProgressExport{}, err
	}
	scores := make(map[uint][]*float64, len(members))
	rows := make([]dto.ProgressRow, 0, len(members))
	for _, member := range members {
		cells := make([]*float64, len(columns))
		scores[member.StudentID] = cells
		rows = append(rows, dto.ProgressRow{StudentID: member.StudentID, Alias: member.Alias, Scores: cells})
	}

	for _, attempt := range attempts {
		cells, ok := scores[attempt.StudentID]
		if !ok {
			continue
		}
		col, ok := index[models.AttemptKey{AssignmentID: attempt.AssignmentID, TargetCodeID: attempt.TargetCodeID}]
		if !ok {
			continue
		}
		score := attempt.Score
		cells[col] = &score
	}

	return dto.ProgressExport{
		ClassID:     classID,
		GeneratedAt: s.now().UTC(),
		Columns:     columns,
		Rows:        rows,
	}, nil
}

func writeProgressCSV(w io.Writer, export dto.ProgressExport) error {
	writer := csv.NewWriter(w)

	header := make([]string, 0, len(export.Columns)+2)
	header = append(header, "student_id", "alias")
	for _, column := range export.Columns {
		header = append(header, column.Label)
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range export.Rows {
		record := make([]string, 0, len(row.Scores)+2)
		record = append(record, strconv.FormatUint(uint64(row.StudentID), 10), row.Alias)
		for _, score := range row.Scores {
			if score == nil {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(*score, 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type noopProgressCache struct{}

func (noopProgressCache) Get(context.Context, uint) (dto.ProgressExport, bool, error) {
	return dto.ProgressExport{}, false, nil
}

func (noopProgressCache) Set(context.Context, uint, dto.ProgressExport) error { return nil }

func (noopProgressCache) Invalidate(context.Context, uint) error { return nil }

type redisProgressCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisProgressCache caches exports in Redis. A nil client disables caching.
func NewRedisProgressCache(client *redis.Client, prefix string, ttl time.Duration) ProgressCache {
	if client == nil {
		return noopProgressCache{}
	}
	if prefix == "" {
		prefix = "lab:progress"
	}
	return &redisProgressCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *redisProgressCache) key(classID uint) string {
	return fmt.Sprintf("%s:%d", c.prefix, classID)
}

func (c *redisProgressCache) Get(ctx context.Context, classID uint) (dto.ProgressExport, bool, error) {
	payload, err := c.client.Get(ctx, c.key(classID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dto.ProgressExport{}, false, nil
		}
		return dto.ProgressExport{}, false, err
	}

	var export dto.ProgressExport
	if err := json.Unmarshal(payload, &export); err != nil {
		return dto.ProgressExport{}, false, err
	}
	return export, true, nil
}

func (c *redisProgressCache) Set(ctx context.Context, classID uint, export dto.ProgressExport) error {
	payload, err := json.Marshal(export)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(classID), payload, c.ttl).Err()
}

func (c *redisProgressCache) Invalidate(ctx context.Context, classID uint) error {
	return c.client.Del(ctx, c.key(classID)).Err()
}
