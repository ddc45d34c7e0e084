package mongoutils

import (
	"errors"
	"strings"
)

var (
	ErrMissingCollectionName       = errors.New("missing collection name")
	ErrInvalidCharInCollectionName = errors.New("invalid char in collection name (space or $)")
	ErrMissingDatabaseName         = errors.New("missing database name")
	ErrInvalidCharInDatabaseName   = errors.New("invalid char in database name")
)

// CheckCollectionName checks if a collection name is valid for mongodb.
// Spaces are rejected because they are hard to see by humans.
func CheckCollectionName(name string) error {
	if name == "" {
		return ErrMissingCollectionName
	} else if strings.ContainsAny(name, " $") {
		return ErrInvalidCharInCollectionName
	}

	return nil
}

// CheckDatabaseName checks if a database name is valid for mongodb.
func CheckDatabaseName(name string) error {
	if name == "" {
		return ErrMissingDatabaseName
	} else if strings.ContainsAny(name, ` /\."$`) {
		return ErrInvalidCharInDatabaseName
	}

	return nil
}
