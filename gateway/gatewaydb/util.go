// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

package gatewaydb

import (
	"database/sql"
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/cloudpaste/cloudpaste/gateway/apierrs"
)

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func affectedOrNotFound(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return ErrDatabase.Wrap(err)
	}
	if affected == 0 {
		return apierrs.ErrNotFound.Wrap(ErrDatabase.New("%s not found", what))
	}
	return nil
}
