package repository

import (
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// newDryRunDB builds statements against the postgres dialect without a server.
func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=despacho dbname=despacho sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return db
}

func TestScansInRecordedOrderUsesSequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		newestFirst bool
		wantOrder   string
	}{
		{name: "oldest first", newestFirst: false, wantOrder: `ORDER BY "seq"`},
		{name: "newest first", newestFirst: true, wantOrder: `ORDER BY "seq" DESC`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var models []ScanModel
			stmt := scansInRecordedOrder(newDryRunDB(t), "b1", tt.newestFirst).Find(&models).Statement
			sql := stmt.SQL.String()

			if !strings.Contains(sql, tt.wantOrder) {
				t.Fatalf("sql = %q, want %s", sql, tt.wantOrder)
			}
			if strings.Contains(sql, "scanned_at") {
				t.Fatalf("sql = %q, must not order by timestamp", sql)
			}
			if len(stmt.Vars) != 1 || stmt.Vars[0] != "b1" {
				t.Fatalf("vars = %v, want [b1]", stmt.Vars)
			}
		})
	}
}

func TestScanModelColumns(t *testing.T) {
	t.Parallel()

	s, err := schema.Parse(&ScanModel{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("schema.Parse() error = %v", err)
	}

	seq := s.LookUpField("seq")
	if seq == nil || !seq.AutoIncrement || !seq.HasDefaultValue {
		t.Fatalf("seq field = %+v, want database-assigned auto increment", seq)
	}
	if s.LookUpField("rule_set") == nil {
		t.Fatal("rule_set column missing")
	}
}
