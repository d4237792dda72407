package sink

import (
	"context"
	"fmt"
	"time"

	mysqlgorm "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MonGDCH/gaia-queue/internal/domain"
)

// DefaultLogTable is the audit table written by the MySQL sink.
const DefaultLogTable = "queue_log"

// LogRow is one audit record.
type LogRow struct {
	ID          uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	Connection  string  `gorm:"column:connection"`
	Queue       string  `gorm:"column:queue"`
	SendTime    string  `gorm:"column:send_time"`
	SendData    string  `gorm:"column:send_data"`
	RunTime     string  `gorm:"column:run_time"`
	RunningTime float64 `gorm:"column:running_time"`
	Status      int     `gorm:"column:status"`
	Result      string  `gorm:"column:result"`
	CreateTime  int64   `gorm:"column:create_time"`
}

// MySQL inserts one LogRow per outcome. The table must already exist.
type MySQL struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

// NewMySQL opens dsn with the MySQL driver.
func NewMySQL(dsn, table string) (*MySQL, error) {
	db, err := gorm.Open(mysqlgorm.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql sink: %w", err)
	}
	return NewMySQLWithDB(db, table), nil
}

// NewMySQLWithDB wraps an existing connection. An empty table uses DefaultLogTable.
func NewMySQLWithDB(db *gorm.DB, table string) *MySQL {
	if table == "" {
		table = DefaultLogTable
	}
	return &MySQL{db: db, table: table, now: time.Now}
}

func (s *MySQL) Handle(ctx context.Context, o domain.Outcome) error {
	row := BuildRow(o, s.now())
	if err := s.insert(s.db.WithContext(ctx), &row).Error; err != nil {
		return fmt.Errorf("record queue log: %w", err)
	}
	return nil
}

func (s *MySQL) insert(tx *gorm.DB, row *LogRow) *gorm.DB {
	return tx.Table(s.table).Create(row)
}

// Close closes the underlying connection pool.
func (s *MySQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// BuildRow maps an outcome to its audit record.
func BuildRow(o domain.Outcome, now time.Time) LogRow {
	status := 0
	if o.Status {
		status = 1
	}
	return LogRow{
		Connection:  o.Envelope.Connect,
		Queue:       o.Queue,
		SendTime:    sendTime(o.Envelope),
		SendData:    sendData(o.Envelope.Data),
		RunTime:     runTime(o.Envelope, now),
		RunningTime: runningTime(o.Envelope, now),
		Status:      status,
		Result:      o.Result,
		CreateTime:  now.Unix(),
	}
}
