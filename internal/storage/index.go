package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	flog "flowguard/internal/logger"
	"flowguard/pkg/model"
)

// FlowRecord 流量摘要索引
type FlowRecord struct {
	ID            uint      `gorm:"primaryKey"`
	FlowID        string    `gorm:"size:64;uniqueIndex"`
	Timestamp     time.Time `gorm:"index"`
	ClientIP      string    `gorm:"size:64"`
	Method        string    `gorm:"size:16;index"`
	Host          string    `gorm:"size:255;index"`
	URL           string
	StatusCode    int `gorm:"index"`
	DurationMS    float64
	RequestBytes  int
	ResponseBytes int
}

// AlertRecord 告警索引
type AlertRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Timestamp  time.Time `gorm:"index"`
	Type       string    `gorm:"size:128;index"`
	Severity   string    `gorm:"size:16;index"`
	Direction  string    `gorm:"size:16"`
	URL        string
	Host       string `gorm:"size:255;index"`
	Method     string `gorm:"size:16"`
	SourceIP   string `gorm:"size:64"`
	MatchCount int
	Sample     string
}

// AlertCounts 告警聚合
type AlertCounts struct {
	Total      int64
	BySeverity map[string]int64
	ByType     map[string]int64
	ByHost     map[string]int64
}

// Index SQLite 二级索引，镜像告警与流量摘要
type Index struct {
	db *gorm.DB
}

// OpenIndex 打开（或创建）索引库并迁移表结构
func OpenIndex(dsn, prefix string, l flog.Logger) (*Index, error) {
	if l == nil {
		l = flog.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
	}
	if err := migrate(db); err != nil {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Index{db: db}, nil
}

var migrate = func(db *gorm.DB) error {
	return db.AutoMigrate(&FlowRecord{}, &AlertRecord{})
}

// WriteFlow 写入流量摘要
func (x *Index) WriteFlow(f model.CompletedFlow) error {
	ctx := WithFlowID(context.Background(), string(f.FlowID))
	rec := FlowRecord{
		FlowID:        string(f.FlowID),
		Timestamp:     f.Request.Timestamp,
		ClientIP:      f.Request.ClientIP,
		Method:        f.Request.Method,
		Host:          f.Request.Host,
		URL:           f.Request.URL,
		StatusCode:    f.Response.StatusCode,
		DurationMS:    f.DurationMS,
		RequestBytes:  f.Request.ContentLength,
		ResponseBytes: f.Response.ContentLength,
	}
	return x.db.WithContext(ctx).Create(&rec).Error
}

// WriteAlert 写入告警
func (x *Index) WriteAlert(a model.Alert) error {
	rec := AlertRecord{
		Timestamp:  a.Timestamp,
		Type:       a.Type,
		Severity:   string(a.Severity),
		Direction:  string(a.Direction),
		URL:        a.URL,
		Host:       a.Host,
		Method:     a.Method,
		SourceIP:   a.SourceIP,
		MatchCount: a.MatchCount,
		Sample:     a.Sample,
	}
	return x.db.Create(&rec).Error
}

// RecentAlerts 按时间倒序返回最近的告警，结果按时间正序排列
func (x *Index) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	var recs []AlertRecord
	if err := x.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Alert, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		out = append(out, model.Alert{
			Timestamp:  r.Timestamp.UTC(),
			Type:       r.Type,
			Severity:   model.Severity(r.Severity),
			Direction:  model.Direction(r.Direction),
			URL:        r.URL,
			Host:       r.Host,
			Method:     r.Method,
			SourceIP:   r.SourceIP,
			MatchCount: r.MatchCount,
			Sample:     r.Sample,
		})
	}
	return out, nil
}

// CountAlerts 按级别、类型、目标主机聚合告警
func (x *Index) CountAlerts(ctx context.Context) (AlertCounts, error) {
	out := AlertCounts{}
	db := x.db.WithContext(ctx)
	if err := db.Model(&AlertRecord{}).Count(&out.Total).Error; err != nil {
		return out, err
	}
	var err error
	if out.BySeverity, err = x.groupCount(db, "severity"); err != nil {
		return out, err
	}
	if out.ByType, err = x.groupCount(db, "type"); err != nil {
		return out, err
	}
	if out.ByHost, err = x.groupCount(db, "host"); err != nil {
		return out, err
	}
	return out, nil
}

func (x *Index) groupCount(db *gorm.DB, column string) (map[string]int64, error) {
	var rows []struct {
		Grp string
		Cnt int64
	}
	err := db.Model(&AlertRecord{}).
		Select(column + " AS grp, COUNT(*) AS cnt").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Grp] = r.Cnt
	}
	return out, nil
}

// CountFlows 返回索引中的流量数量
func (x *Index) CountFlows(ctx context.Context) (int64, error) {
	var n int64
	err := x.db.WithContext(ctx).Model(&FlowRecord{}).Count(&n).Error
	return n, err
}

// Close 关闭底层连接
func (x *Index) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
