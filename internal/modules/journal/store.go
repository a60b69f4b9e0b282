package journal

import (
	"context"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
)

// FrameRecord is one journal row.
type FrameRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Output     string    `gorm:"size:64;index" json:"output"`
	Generation uint64    `gorm:"index" json:"generation"`
	Size       int       `json:"size"`
	CapturedAt time.Time `gorm:"index" json:"capturedAt"`
	StoredAt   time.Time `json:"storedAt"`
}

// Store wraps the SQLite database holding frame records.
type Store struct {
	db *gorm.DB
}

// OpenStore opens or creates the database at path and migrates the schema.
func OpenStore(path string, log logger.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: newGormLogger(log, 200*time.Millisecond),
	})
	if err != nil {
		return nil, dbError(err, "open", path)
	}
	s := &Store{db: db}
	if err := db.AutoMigrate(&FrameRecord{}); err != nil {
		_ = s.Close()
		return nil, dbError(err, "migrate", path)
	}
	return s, nil
}

func dbError(err error, op, path string) error {
	return errors.New(err).
		Component("journal").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("path", path).
		Build()
}

// Record inserts one row.
func (s *Store) Record(ctx context.Context, r *FrameRecord) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return dbError(err, "insert", "")
	}
	return nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&FrameRecord{}).Count(&n).Error; err != nil {
		return 0, dbError(err, "count", "")
	}
	return n, nil
}

// Latest returns the most recently inserted row.
func (s *Store) Latest(ctx context.Context) (*FrameRecord, error) {
	var r FrameRecord
	if err := s.db.WithContext(ctx).Order("id DESC").First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("journal is empty").
				Component("journal").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, dbError(err, "latest", "")
	}
	return &r, nil
}

// Prune deletes all but the newest keep rows and returns how many went.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	var cutoff FrameRecord
	err := s.db.WithContext(ctx).Order("id DESC").Offset(keep).Limit(1).Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, dbError(err, "prune", "")
	}
	res := s.db.WithContext(ctx).Where("id <= ?", cutoff.ID).Delete(&FrameRecord{})
	if res.Error != nil {
		return 0, dbError(res.Error, "prune", "")
	}
	return res.RowsAffected, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger sends GORM's messages to the module logger.
type gormLogger struct {
	log           logger.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(log logger.Logger, slow time.Duration) gormlogger.Interface {
	return &gormLogger{log: log, level: gormlogger.Warn, slowThreshold: slow}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info("gorm", logger.Any("message", msg), logger.Any("data", data))
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn("gorm", logger.Any("message", msg), logger.Any("data", data))
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error("gorm", logger.Any("message", msg), logger.Any("data", data))
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("query failed", logger.String("sql", sql), logger.Int64("rows", rows),
			logger.Duration("duration", elapsed), logger.Error(err))
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		sql, rows := fc()
		l.log.Warn("slow query", logger.String("sql", sql), logger.Int64("rows", rows),
			logger.Duration("duration", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Trace("query", logger.String("sql", sql), logger.Int64("rows", rows),
			logger.Duration("duration", elapsed))
	}
}
