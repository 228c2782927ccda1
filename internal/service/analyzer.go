package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/woxQAQ/sql-bridge/internal/audit"
	"github.com/woxQAQ/sql-bridge/internal/guard"
	"github.com/woxQAQ/sql-bridge/pkg/protocol"
	"go.uber.org/zap"
)

// Categories reported for rejected requests.
const (
	CategoryParse      = "SQL_PARSE_ERROR"
	CategoryValidation = "SQL_VALIDATION_ERROR"
)

// Request is one query submitted for checking.
type Request struct {
	SQL           string
	Justification string
	Actor         string
}

// Report is the outcome of Analyzer.Check. A rejected query has OK unset and
// Category plus either Violation or Failure set.
type Report struct {
	OK        bool             `json:"ok"`
	Tables    []string         `json:"tables,omitempty"`
	Tree      json.RawMessage  `json:"tree,omitempty"`
	Category  string           `json:"category,omitempty"`
	Violation *guard.Violation `json:"-"`
	Failure   *ParseFailure    `json:"-"`
	Error     string           `json:"error,omitempty"`
	Hint      string           `json:"hint,omitempty"`

	// Diagnostic locates a parse failure when the parser reported a cursor.
	Diagnostic *protocol.Diagnostic `json:"diagnostic,omitempty"`
}

// Analyzer audits, parses and vets queries.
type Analyzer struct {
	backend Backend
	policy  *guard.Policy
	audit   *audit.Logger
	logger  *zap.Logger
}

// NewAnalyzer creates an analyzer. A nil policy only parses and extracts
// tables without schema enforcement; a nil audit logger skips auditing.
func NewAnalyzer(backend Backend, policy *guard.Policy, auditLog *audit.Logger, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		backend: backend,
		policy:  policy,
		audit:   auditLog,
		logger:  logger.With(zap.String("component", "analyzer")),
	}
}

// Check records req in the audit log, parses it and applies the policy.
// Rejections are reported in the Report; the error is reserved for audit
// failures and backend faults.
func (a *Analyzer) Check(ctx context.Context, req Request) (*Report, error) {
	if a.audit != nil {
		err := a.audit.Record(audit.Entry{
			ActorID:       req.Actor,
			Action:        audit.ActionReadQuery,
			Target:        req.SQL,
			Justification: req.Justification,
		})
		if err != nil {
			return nil, err
		}
	}

	tree, err := a.backend.ParseJSON(ctx, req.SQL)
	if err != nil {
		var failure *ParseFailure
		if errors.As(err, &failure) {
			a.logger.Debug("Query failed to parse", zap.Error(err))
			return &Report{
				Category: CategoryParse,
				Failure:  failure,
				Error:    "Invalid SQL syntax",
				Hint:     failure.Error(),

				Diagnostic: protocol.CursorDiagnostic(req.SQL, failure.Cursorpos, failure.Code, failure.Message),
			}, nil
		}
		return nil, err
	}

	if a.policy != nil {
		if err := a.policy.Check(req.SQL, []byte(tree)); err != nil {
			var violation *guard.Violation
			if errors.As(err, &violation) {
				a.logger.Debug("Query rejected by policy", zap.String("reason", violation.Reason))
				return &Report{
					Category:  CategoryValidation,
					Violation: violation,
					Error:     violation.Reason,
					Hint:      violation.Hint,
				}, nil
			}
			return nil, err
		}
	}

	var tables []string
	if a.policy != nil {
		tables, err = a.policy.Tables([]byte(tree))
	} else {
		tables, err = guard.ExtractTables([]byte(tree), false)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		OK:     true,
		Tables: tables,
		Tree:   json.RawMessage(tree),
	}, nil
}
