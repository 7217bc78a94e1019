package identityserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// dummyPasswordHash is compared against when the username is unknown so that
// both failure paths cost one bcrypt comparison.
var dummyPasswordHash, _ = bcrypt.GenerateFromPassword([]byte("sessiongate-dummy-password"), bcrypt.DefaultCost)

// User is an application user as reported to the gateway.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Roles       []string
}

// UserDefinition describes a user to create or update.
type UserDefinition struct {
	Username    string
	Password    string
	DisplayName string
	Roles       []string
}

// ParseUserDefinition parses "username:password[:role,role]".
func ParseUserDefinition(raw string) (UserDefinition, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
		return UserDefinition{}, fmt.Errorf("%w: expected username:password[:roles]", ErrInvalidUser)
	}
	definition := UserDefinition{
		Username:    strings.TrimSpace(parts[0]),
		Password:    parts[1],
		DisplayName: strings.TrimSpace(parts[0]),
		Roles:       []string{"user"},
	}
	if len(parts) == 3 {
		definition.Roles = splitRoles(parts[2])
	}
	return definition, nil
}

func splitRoles(raw string) []string {
	roles := make([]string, 0, 2)
	for _, role := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	return roles
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("users.hash_password: %w", err)
	}
	return string(hashed), nil
}

func validateDefinition(definition UserDefinition) error {
	if strings.TrimSpace(definition.Username) == "" || definition.Password == "" {
		return ErrInvalidUser
	}
	return nil
}

// MemoryUsers is a user store used for demo and local runs.
type MemoryUsers struct {
	mutex      sync.RWMutex
	byID       map[string]*memoryUser
	byUsername map[string]string
}

type memoryUser struct {
	user         User
	passwordHash string
}

// NewMemoryUsers constructs an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:       make(map[string]*memoryUser),
		byUsername: make(map[string]string),
	}
}

// UpsertUser inserts or updates a user by username.
func (store *MemoryUsers) UpsertUser(ctx context.Context, definition UserDefinition) (User, error) {
	if err := validateDefinition(definition); err != nil {
		return User{}, err
	}
	passwordHash, hashErr := hashPassword(definition.Password)
	if hashErr != nil {
		return User{}, hashErr
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, exists := store.byUsername[definition.Username]
	if !exists {
		userID = uuid.NewString()
		store.byUsername[definition.Username] = userID
	}
	record := &memoryUser{
		user: User{
			ID:          userID,
			Username:    definition.Username,
			DisplayName: definition.DisplayName,
			Roles:       append([]string(nil), definition.Roles...),
		},
		passwordHash: passwordHash,
	}
	store.byID[userID] = record
	return record.user, nil
}

// Authenticate checks the password of username.
func (store *MemoryUsers) Authenticate(ctx context.Context, username string, password string) (User, error) {
	store.mutex.RLock()
	var record *memoryUser
	if userID, ok := store.byUsername[username]; ok {
		record = store.byID[userID]
	}
	store.mutex.RUnlock()
	if record == nil {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(record.passwordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return record.user, nil
}

// GetUser returns a user by id.
func (store *MemoryUsers) GetUser(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return record.user, nil
}

// DatabaseUsers persists users through GORM.
type DatabaseUsers struct {
	db          *gorm.DB
	driverLabel string
}

type userRow struct {
	ID           string `gorm:"column:id;primaryKey"`
	Username     string `gorm:"column:username;uniqueIndex;not null"`
	DisplayName  string `gorm:"column:display_name;not null;default:''"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Roles        string `gorm:"column:roles;not null;default:''"`
}

func (userRow) TableName() string {
	return "users"
}

func (row userRow) toUser() User {
	return User{ID: row.ID, Username: row.Username, DisplayName: row.DisplayName, Roles: splitRoles(row.Roles)}
}

// NewDatabaseUsers wraps an opened Database.
func NewDatabaseUsers(database *Database) *DatabaseUsers {
	return &DatabaseUsers{db: database.db, driverLabel: database.driverLabel}
}

// UpsertUser inserts or updates a user by username.
func (store *DatabaseUsers) UpsertUser(ctx context.Context, definition UserDefinition) (User, error) {
	if err := validateDefinition(definition); err != nil {
		return User{}, err
	}
	passwordHash, hashErr := hashPassword(definition.Password)
	if hashErr != nil {
		return User{}, hashErr
	}
	var row userRow
	findErr := store.db.WithContext(ctx).Where("username = ?", definition.Username).Take(&row).Error
	switch {
	case errors.Is(findErr, gorm.ErrRecordNotFound):
		row.ID = uuid.NewString()
		row.Username = definition.Username
	case findErr != nil:
		return User{}, fmt.Errorf("users.upsert.%s: %w", store.driverLabel, findErr)
	}
	row.DisplayName = definition.DisplayName
	row.PasswordHash = passwordHash
	row.Roles = strings.Join(definition.Roles, ",")
	if saveErr := store.db.WithContext(ctx).Save(&row).Error; saveErr != nil {
		return User{}, fmt.Errorf("users.upsert.%s: %w", store.driverLabel, saveErr)
	}
	return row.toUser(), nil
}

// Authenticate checks the password of username.
func (store *DatabaseUsers) Authenticate(ctx context.Context, username string, password string) (User, error) {
	var row userRow
	findErr := store.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if findErr != nil {
		return User{}, fmt.Errorf("users.authenticate.%s: %w", store.driverLabel, findErr)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return row.toUser(), nil
}

// GetUser returns a user by id.
func (store *DatabaseUsers) GetUser(ctx context.Context, userID string) (User, error) {
	var row userRow
	findErr := store.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if findErr != nil {
		return User{}, fmt.Errorf("users.get.%s: %w", store.driverLabel, findErr)
	}
	return row.toUser(), nil
}
