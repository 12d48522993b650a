package catalog

import (
	"net/http"

	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-similarity-engine/pkg/errors"
)

func invalid(msg string) error {
	return apperrors.Invalid("%s", msg)
}

// DuplicateError reports that name is already in the catalog.
func DuplicateError(name Name) error {
	return apperrors.Newf(apperrors.ErrDuplicate, http.StatusConflict, "%q is already in the catalog", name)
}

// NotFoundError reports that no entry has the given ID.
func NotFoundError(id int64) error {
	return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "catalog entry %d", id)
}

// ValidateEntry normalizes e.Name (defaulting DisplayName to the raw input)
// and checks the remaining fields.
func ValidateEntry(e Entry, maxNameRunes int) (Entry, error) {
	raw := string(e.Name)
	name, err := NormalizeLimit(raw, maxNameRunes)
	if err != nil {
		return Entry{}, err
	}
	e.Name = name
	if e.DisplayName == "" {
		e.DisplayName = raw
	}
	if e.Price < 0 {
		return Entry{}, invalid("price must not be negative")
	}
	if e.Quantity < 0 {
		return Entry{}, invalid("quantity must not be negative")
	}
	return e, nil
}
