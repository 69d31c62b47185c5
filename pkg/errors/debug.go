package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorDump flattens an error chain for structured logs. It is never sent to clients.
type ErrorDump struct {
	Message   string          `json:"message"`
	Code      Code            `json:"code,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Chain     []string        `json:"chain,omitempty"`
	Store     *StoreErrorDump `json:"store,omitempty"`
}

// StoreErrorDump carries the SQLSTATE fields postgres attaches to a failed statement.
type StoreErrorDump struct {
	SQLState   string `json:"sqlstate"`
	Constraint string `json:"constraint,omitempty"`
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Fields renders the dump as log fields, skipping store keys when no driver error was found.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.Message,
		"error_code":  d.Code,
		"error_chain": d.Chain,
	}
	if d.Retryable {
		fields["retryable"] = true
	}
	if s := d.Store; s != nil {
		fields["sqlstate"] = s.SQLState
		fields["pg_constraint"] = s.Constraint
		fields["pg_table"] = s.Table
		fields["pg_column"] = s.Column
		fields["pg_detail"] = s.Detail
		fields["pg_message"] = s.Message
	}
	return fields
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{Message: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Retryable = MetadataFor(te.Code()).Retryable
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	d.Store = storeError(err)
	return d
}

func storeError(err error) *StoreErrorDump {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return &StoreErrorDump{
			SQLState:   pgxErr.Code,
			Constraint: pgxErr.ConstraintName,
			Table:      pgxErr.TableName,
			Column:     pgxErr.ColumnName,
			Detail:     pgxErr.Detail,
			Message:    pgxErr.Message,
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &StoreErrorDump{
			SQLState:   string(pqErr.Code),
			Constraint: pqErr.Constraint,
			Table:      pqErr.Table,
			Column:     pqErr.Column,
			Detail:     pqErr.Detail,
			Message:    pqErr.Message,
		}
	}
	return nil
}
