package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
)

// docStore holds the SQL shared by the SQLite and Postgres backends. Queries
// are written with '?' placeholders and rebound per dialect.
type docStore struct {
	db         *sql.DB
	name       string
	lockSuffix string
	rebind     func(string) string
}

const userColumns = `phone, name, timezone, paused, medications, caregivers, last_caregiver_alert_date, created_at, updated_at`

func rebindQuestion(q string) string { return q }

// rebindDollar rewrites '?' placeholders as $1, $2, ...
func rebindDollar(q string) string {
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var medsJSON, caregiversJSON []byte
	err := row.Scan(&u.Phone, &u.Name, &u.Timezone, &u.Paused, &medsJSON, &caregiversJSON,
		&u.LastCaregiverAlertDate, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(medsJSON) > 0 {
		if err := json.Unmarshal(medsJSON, &u.Medications); err != nil {
			return nil, fmt.Errorf("failed to decode medications for %s: %w", u.Phone, err)
		}
	}
	if len(caregiversJSON) > 0 {
		if err := json.Unmarshal(caregiversJSON, &u.Caregivers); err != nil {
			return nil, fmt.Errorf("failed to decode caregivers for %s: %w", u.Phone, err)
		}
	}
	return &u, nil
}

func marshalList(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func (s *docStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(s.rebind(`INSERT INTO receipts (recipient, status, sid, kind, error, time) VALUES (?, ?, ?, ?, ?, ?)`),
		r.To, string(r.Status), r.SID, string(r.Kind), r.Error, r.Time)
	if err != nil {
		slog.Error(s.name+".AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug(s.name+".AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *docStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, sid, kind, error, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error(s.name+".GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var status, kind string
		if err := rows.Scan(&r.To, &status, &r.SID, &kind, &r.Error, &r.Time); err != nil {
			slog.Error(s.name+".GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.Status = models.MessageStatus(status)
		r.Kind = models.ReceiptKind(kind)
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error(s.name+".GetReceipts rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	slog.Debug(s.name+".GetReceipts succeeded", "count", len(receipts))
	return receipts, nil
}

func (s *docStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(s.rebind(`INSERT INTO responses (sender, body, message_id, time) VALUES (?, ?, ?, ?)`),
		r.From, r.Body, r.MessageID, r.Time)
	if err != nil {
		slog.Error(s.name+".AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	slog.Debug(s.name+".AddResponse succeeded", "from", r.From)
	return nil
}

func (s *docStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, message_id, time FROM responses ORDER BY id`)
	if err != nil {
		slog.Error(s.name+".GetResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.MessageID, &r.Time); err != nil {
			slog.Error(s.name+".GetResponses scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	slog.Debug(s.name+".GetResponses succeeded", "count", len(responses))
	return responses, nil
}

func (s *docStore) GetUser(ctx context.Context, phone string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE phone = ?`), phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetUser not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetUser failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get user %s: %w", phone, err)
	}
	return u, nil
}

func (s *docStore) CreateUser(ctx context.Context, u *models.User) error {
	medsJSON, err := marshalList(u.Medications)
	if err != nil {
		return fmt.Errorf("failed to encode medications: %w", err)
	}
	caregiversJSON, err := marshalList(u.Caregivers)
	if err != nil {
		return fmt.Errorf("failed to encode caregivers: %w", err)
	}
	now := time.Now().UTC()
	created := u.CreatedAt
	if created.IsZero() {
		created = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT phone FROM users WHERE phone = ?`), u.Phone).Scan(&existing)
	if err == nil {
		return ErrUserExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check user %s: %w", u.Phone, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.Phone, u.Name, u.Timezone, u.Paused, medsJSON, caregiversJSON, u.LastCaregiverAlertDate, created, now)
	if err != nil {
		slog.Error(s.name+".CreateUser failed", "error", err, "phone", u.Phone)
		return fmt.Errorf("failed to insert user %s: %w", u.Phone, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user %s: %w", u.Phone, err)
	}
	slog.Debug(s.name+".CreateUser succeeded", "phone", u.Phone, "medications", len(u.Medications))
	return nil
}

func (s *docStore) UpdateUser(ctx context.Context, phone string, up models.UserUpdate) (bool, error) {
	var sets []string
	var args []interface{}
	if up.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *up.Name)
	}
	if up.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *up.Timezone)
	}
	if up.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, *up.Paused)
	}
	if up.Caregivers != nil {
		caregiversJSON, err := marshalList(*up.Caregivers)
		if err != nil {
			return false, fmt.Errorf("failed to encode caregivers: %w", err)
		}
		sets = append(sets, "caregivers = ?")
		args = append(args, caregiversJSON)
	}
	if up.LastCaregiverAlertDate != nil {
		sets = append(sets, "last_caregiver_alert_date = ?")
		args = append(args, *up.LastCaregiverAlertDate)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), phone)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE phone = ?`), args...)
	if err != nil {
		slog.Error(s.name+".UpdateUser failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to update user %s: %w", phone, err)
	}
	return affected(res)
}

func (s *docStore) UpdateMedications(ctx context.Context, phone string, meds []models.Medication) (bool, error) {
	medsJSON, err := marshalList(meds)
	if err != nil {
		return false, fmt.Errorf("failed to encode medications: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE users SET medications = ?, updated_at = ? WHERE phone = ?`),
		medsJSON, time.Now().UTC(), phone)
	if err != nil {
		slog.Error(s.name+".UpdateMedications failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to update medications for %s: %w", phone, err)
	}
	return affected(res)
}

func (s *docStore) ModifyMedications(ctx context.Context, phone string, fn MutateFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE phone = ?`+s.lockSuffix), phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		slog.Error(s.name+".ModifyMedications read failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to read user %s: %w", phone, err)
	}

	changed, err := fn(u)
	if err != nil {
		return true, err
	}
	if !changed {
		return true, nil
	}

	medsJSON, err := marshalList(u.Medications)
	if err != nil {
		return true, fmt.Errorf("failed to encode medications: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE users SET medications = ?, updated_at = ? WHERE phone = ?`),
		medsJSON, time.Now().UTC(), phone); err != nil {
		slog.Error(s.name+".ModifyMedications write failed", "error", err, "phone", phone)
		return true, fmt.Errorf("failed to write medications for %s: %w", phone, err)
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("failed to commit medications for %s: %w", phone, err)
	}
	slog.Debug(s.name+".ModifyMedications succeeded", "phone", phone)
	return true, nil
}

func (s *docStore) DeleteUser(ctx context.Context, phone string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE phone = ?`), phone)
	if err != nil {
		slog.Error(s.name+".DeleteUser failed", "error", err, "phone", phone)
		return false, fmt.Errorf("failed to delete user %s: %w", phone, err)
	}
	return affected(res)
}

func (s *docStore) ListActiveUsers(ctx context.Context, afterPhone string, limit int) ([]models.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+userColumns+` FROM users WHERE paused = ? AND phone > ? ORDER BY phone LIMIT ?`),
		false, afterPhone, limit)
	if err != nil {
		slog.Error(s.name+".ListActiveUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Error(s.name+".ListActiveUsers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

// Close closes the database connection.
func (s *docStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected check failed: %w", err)
	}
	return n > 0, nil
}
