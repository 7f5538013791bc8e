package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

func setupMockStore(t *testing.T, driver string, dailyLimit int) (sqlmock.Sqlmock, *SQLStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db, SQLConfig{
		Driver:      driver,
		DailyLimit:  dailyLimit,
		MaxAttempts: 3,
		Retry:       backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	})
	return mock, store
}

func TestSQLStore_StoreNewMessages(t *testing.T) {
	msg := models.MustChatMessage(models.RoleUser, models.TextContent{Text: "hello"})

	tests := []struct {
		name        string
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful insert",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO chat_messages").
					WithArgs(msg.ID, "slack:C1", "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "transient failure is retried",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO chat_messages").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "permanent failure is not retried",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO chat_messages").
					WillReturnError(errors.New("syntax error at or near"))
				mock.ExpectRollback()
			},
			wantErr:     true,
			errContains: "store messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockStore(t, "postgres", 0)
			tt.setupMock(mock)

			err := store.StoreNewMessages(context.Background(), "slack:C1", []*models.ChatMessage{msg})
			if (err != nil) != tt.wantErr {
				t.Fatalf("StoreNewMessages() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error %q does not contain %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_StoreNewMessagesRequiresConversation(t *testing.T) {
	_, store := setupMockStore(t, "postgres", 0)
	if err := store.StoreNewMessages(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}

func TestSQLStore_History(t *testing.T) {
	mock, store := setupMockStore(t, "postgres", 0)

	older := models.MustChatMessage(models.RoleUser, models.TextContent{Text: "first"})
	newer := models.MustChatMessage(models.RoleAssistant, models.TextContent{Text: "second"})
	olderJSON, _ := json.Marshal(older)
	newerJSON, _ := json.Marshal(newer)

	mock.ExpectQuery("SELECT payload FROM chat_messages").
		WithArgs("web:u1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).
			AddRow(string(newerJSON)).
			AddRow("{not json").
			AddRow(string(olderJSON)))

	msgs, err := store.History(context.Background(), "web:u1", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Text() != "first" || msgs[1].Text() != "second" {
		t.Errorf("order = %q, %q", msgs[0].Text(), msgs[1].Text())
	}
	if msgs[1].Role != models.RoleAssistant || msgs[0].ID != older.ID {
		t.Errorf("decoded messages = %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_CheckAndUpdateUsageLimit(t *testing.T) {
	tc := TurnContext{Platform: models.ChannelSlack, UserID: "u1"}

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      bool
		wantErr   bool
	}{
		{
			name: "under limit",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO usage_counters").
					WithArgs("slack:u1", sqlmock.AnyArg(), 2).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
			},
			want: true,
		},
		{
			name: "limit reached",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO usage_counters").
					WillReturnRows(sqlmock.NewRows([]string{"count"}))
			},
			want: false,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO usage_counters").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockStore(t, "sqlite", 2)
			tt.setupMock(mock)

			got, err := store.CheckAndUpdateUsageLimit(context.Background(), tc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("allowed = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_UnlimitedSkipsDatabase(t *testing.T) {
	mock, store := setupMockStore(t, "postgres", 0)
	ok, err := store.CheckAndUpdateUsageLimit(context.Background(), TurnContext{UserID: "u"})
	if err != nil || !ok {
		t.Fatalf("got %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{"postgres", "a = $1 AND b = $2", "a = $1 AND b = $2"},
		{"sqlite", "a = $1 AND b = $12", "a = ? AND b = ?"},
		{"sqlite", "price = '$'", "price = '$'"},
	}
	for _, tt := range tests {
		store := &SQLStore{driver: tt.driver}
		if got := store.rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.driver, tt.in, got, tt.want)
		}
	}
}

func TestSQLStore_Migrate(t *testing.T) {
	mock, store := setupMockStore(t, "sqlite", 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chat_messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_counters").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestOpenSQLStoreValidation(t *testing.T) {
	if _, err := OpenSQLStore(context.Background(), SQLConfig{}); err == nil {
		t.Error("expected error without dsn")
	}
	if _, err := OpenSQLStore(context.Background(), SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
