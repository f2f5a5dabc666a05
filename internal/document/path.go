package document

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of document categories.
type Category string

const (
	CategoryW2Forms            Category = "w2Forms"
	CategoryMedical            Category = "medical"
	CategoryEducation          Category = "education"
	CategoryPersonalID         Category = "personalId"
	CategoryPreviousYearTax    Category = "previousYearTax"
	CategoryHomeownerDeduction Category = "homeownerDeduction"
	CategoryAdminReturns       Category = "admin-returns"
)

var allCategories = []Category{
	CategoryW2Forms,
	CategoryMedical,
	CategoryEducation,
	CategoryPersonalID,
	CategoryPreviousYearTax,
	CategoryHomeownerDeduction,
	CategoryAdminReturns,
}

// Categories returns every known category in a fixed order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// AdminOnly reports whether only administrators may upload into c.
func (c Category) AdminOnly() bool {
	return c == CategoryAdminReturns
}

// ParseCategory validates s against the known categories.
func ParseCategory(s string) (Category, error) {
	for _, c := range allCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

var (
	ownerIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{2,127}$`)
	objectNameRegex = regexp.MustCompile(`^([0-9]{13,})-([0-9a-f]{32})(\.[a-z0-9]{1,8})?$`)
)

// ValidateOwnerID rejects owner ids that could not have come from the identity provider
// or that would alter the meaning of a storage path.
func ValidateOwnerID(ownerID string) error {
	if !ownerIDPattern.MatchString(ownerID) || strings.Contains(ownerID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, ownerID)
	}
	return nil
}

// Path is a parsed storage path: category/ownerId/<unixmillis>-<32 hex>.ext
type Path struct {
	Category Category
	OwnerID  string
	Name     string
}

func (p Path) String() string {
	return OwnerPrefix(p.Category, p.OwnerID) + p.Name
}

// Ext returns the extension of the object name without the dot.
func (p Path) Ext() string {
	return strings.TrimPrefix(filepath.Ext(p.Name), ".")
}

// CreatedAt returns the timestamp embedded in the object name.
func (p Path) CreatedAt() time.Time {
	m := objectNameRegex.FindStringSubmatch(p.Name)
	if m == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// OwnerPrefix returns the listing prefix for one owner in one category.
func OwnerPrefix(c Category, ownerID string) string {
	return string(c) + "/" + ownerID + "/"
}

// associatedData binds ciphertext to the owner prefix it was written under.
func (p Path) associatedData() []byte {
	return []byte(string(p.Category) + "/" + p.OwnerID)
}

// wrapContext binds the wrapped DEK to the same owner prefix.
func (p Path) wrapContext() map[string]string {
	return map[string]string{
		"category": string(p.Category),
		"owner":    p.OwnerID,
	}
}

// NewPath builds a fresh, collision-resistant path. ext may be empty.
func NewPath(c Category, ownerID, ext string, now time.Time) (Path, error) {
	if _, err := ParseCategory(string(c)); err != nil {
		return Path{}, err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return Path{}, err
	}
	token, err := uuid.NewRandom()
	if err != nil {
		return Path{}, fmt.Errorf("failed to generate path token: %w", err)
	}
	name := fmt.Sprintf("%d-%s", now.UnixMilli(), strings.ReplaceAll(token.String(), "-", ""))
	if ext != "" {
		name += "." + ext
	}
	if !objectNameRegex.MatchString(name) {
		return Path{}, fmt.Errorf("%w: bad extension %q", ErrInvalidPath, ext)
	}
	return Path{Category: c, OwnerID: ownerID, Name: name}, nil
}

// ParsePath is the inverse of Path.String and accepts nothing else.
func ParsePath(raw string) (Path, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	c, err := ParseCategory(parts[0])
	if err != nil {
		return Path{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if err := ValidateOwnerID(parts[1]); err != nil {
		return Path{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !objectNameRegex.MatchString(parts[2]) {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	return Path{Category: c, OwnerID: parts[1], Name: parts[2]}, nil
}

// Requester is the verified identity behind a call.
type Requester struct {
	UserID string
	Admin  bool
}

// Authorize permits access to p only for its owner or an admin.
func Authorize(p Path, r Requester) error {
	return authorizeOwner(p.OwnerID, r)
}

func authorizeOwner(ownerID string, r Requester) error {
	if r.UserID == "" {
		return ErrUnauthenticated
	}
	if r.Admin || r.UserID == ownerID {
		return nil
	}
	return ErrNotOwner
}
