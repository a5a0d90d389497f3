package repository

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"waitless-queue/internal/domain"
)

const patientActiveIndex = "uq_tickets_patient_active"

// mapError 将 PostgreSQL 错误映射为领域错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	// already mapped
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrDuplicateActive) ||
		errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			if pqErr.Constraint == patientActiveIndex {
				return fmt.Errorf("%w: %w", domain.ErrDuplicateActive, err)
			}
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case "23P01", // exclusion_violation (waiting position)
			"23514", // check_violation (position > 0)
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		if pqErr.Code.Class() == "08" { // connection_exception
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}
