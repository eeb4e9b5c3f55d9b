// Package auth holds the subjects (users) allowed to administer the cluster
// and the gin middleware that authenticates them.
//
// Two subjects always exist. overlord (ID 1) is the system subject that
// automatic changes are attributed to; it has no password and cannot log
// in. rhqadmin (ID 2) is the bootstrap administrator. Neither can be
// deleted.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/storage"
)

const (
	// OverlordID is the system subject.
	OverlordID = 1
	// AdminID is the bootstrap administrator.
	AdminID = 2

	OverlordName = "overlord"
	AdminName    = "rhqadmin"

	// MinPasswordLength applies to locally authenticated subjects.
	MinPasswordLength = 6

	subjectPrefix = "subject/"
	subjectSeqKey = "seq/subject"
)

var (
	ErrNotFound           = errors.New("subject not found")
	ErrDuplicateSubject   = errors.New("subject already exists")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrInvalidName        = errors.New("invalid subject name")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProtectedSubject is returned when deleting overlord, rhqadmin or
	// the acting subject itself.
	ErrProtectedSubject = errors.New("subject cannot be deleted")

	// ErrLDAPManaged is returned when changing the password of a subject
	// whose credentials live in LDAP.
	ErrLDAPManaged = errors.New("password is managed by LDAP")
)

func subjectKey(id int) string {
	return fmt.Sprintf("%s%010d", subjectPrefix, id)
}

// Subject is a user of the admin API.
type Subject struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	PasswordHash []byte    `json:"password_hash,omitempty"`
	LDAP         bool      `json:"ldap"`
	System       bool      `json:"system"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subjects stores subjects and verifies their passwords.
type Subjects struct {
	store  storage.Store
	logger *zap.Logger
	cost   int

	mu     sync.RWMutex
	byID   map[int]*Subject
	lastID int
}

// NewSubjects loads the subjects kept in store and creates overlord and
// rhqadmin when missing. adminPassword is only used for a new rhqadmin.
func NewSubjects(store storage.Store, adminPassword string, logger *zap.Logger) (*Subjects, error) {
	return newSubjects(store, adminPassword, logger, bcrypt.DefaultCost)
}

func newSubjects(store storage.Store, adminPassword string, logger *zap.Logger, cost int) (*Subjects, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subjects{
		store:  store,
		logger: logger.Named("auth"),
		cost:   cost,
		byID:   make(map[int]*Subject),
	}

	keys, err := store.List(subjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	for _, key := range keys {
		data, err := store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var subject Subject
		if err := json.Unmarshal(data, &subject); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		s.byID[subject.ID] = &subject
		s.lastID = max(s.lastID, subject.ID)
	}
	if data, err := store.Get(subjectSeqKey); err == nil {
		var n int
		if _, err := fmt.Sscan(string(data), &n); err == nil {
			s.lastID = max(s.lastID, n)
		}
	}

	if err := s.bootstrap(adminPassword); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subjects) bootstrap(adminPassword string) error {
	var b storage.Batch
	now := time.Now().UTC()

	if _, ok := s.byID[OverlordID]; !ok {
		overlord := &Subject{ID: OverlordID, Name: OverlordName, System: true, CreatedAt: now}
		if err := stage(&b, overlord); err != nil {
			return err
		}
		s.byID[OverlordID] = overlord
	}
	if _, ok := s.byID[AdminID]; !ok {
		if len(adminPassword) < MinPasswordLength {
			return fmt.Errorf("%w: the %s password must have at least %d characters", ErrInvalidPassword, AdminName, MinPasswordLength)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), s.cost)
		if err != nil {
			return fmt.Errorf("hash %s password: %w", AdminName, err)
		}
		admin := &Subject{ID: AdminID, Name: AdminName, PasswordHash: hash, CreatedAt: now}
		if err := stage(&b, admin); err != nil {
			return err
		}
		s.byID[AdminID] = admin
		s.logger.Info("created bootstrap administrator", zap.String("subject", AdminName))
	}
	if b.Len() == 0 {
		return nil
	}
	s.lastID = max(s.lastID, AdminID)
	b.Put(subjectSeqKey, []byte(fmt.Sprint(s.lastID)))
	if err := s.store.Write(&b); err != nil {
		return fmt.Errorf("store bootstrap subjects: %w", err)
	}
	return nil
}

func stage(b *storage.Batch, subject *Subject) error {
	data, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("encode subject %s: %w", subject.Name, err)
	}
	b.Put(subjectKey(subject.ID), data)
	return nil
}

// byName looks up a subject. Callers hold the lock.
func (s *Subjects) byName(name string) *Subject {
	for _, subject := range s.byID {
		if subject.Name == name {
			return subject
		}
	}
	return nil
}

func (s *Subjects) validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: must have at least %d characters", ErrInvalidPassword, MinPasswordLength)
	}
	return nil
}

// Create adds a subject. LDAP subjects have no local password.
func (s *Subjects) Create(ctx context.Context, name, password string, ldap bool) (Subject, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Subject{}, fmt.Errorf("%w: name must not be blank", ErrInvalidName)
	}

	var hash []byte
	if !ldap {
		if err := s.validatePassword(password); err != nil {
			return Subject{}, err
		}
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(password), s.cost); err != nil {
			return Subject{}, fmt.Errorf("hash password: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byName(name) != nil {
		return Subject{}, fmt.Errorf("%w: %s", ErrDuplicateSubject, name)
	}
	subject := &Subject{
		ID:           s.lastID + 1,
		Name:         name,
		PasswordHash: hash,
		LDAP:         ldap,
		CreatedAt:    time.Now().UTC(),
	}

	var b storage.Batch
	if err := stage(&b, subject); err != nil {
		return Subject{}, err
	}
	b.Put(subjectSeqKey, []byte(fmt.Sprint(subject.ID)))
	if err := s.store.Write(&b); err != nil {
		return Subject{}, fmt.Errorf("store subject %s: %w", name, err)
	}
	s.byID[subject.ID] = subject
	s.lastID = subject.ID

	s.logger.Info("subject created", zap.String("subject", name), zap.Bool("ldap", ldap))
	return *subject, nil
}

// Authenticate verifies a password. Unknown names, wrong passwords, system
// subjects and LDAP subjects all fail with ErrInvalidCredentials.
func (s *Subjects) Authenticate(ctx context.Context, name, password string) (Subject, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, err
	}
	s.mu.RLock()
	subject := s.byName(name)
	var copied Subject
	if subject != nil {
		copied = *subject
	}
	s.mu.RUnlock()

	if subject == nil || copied.System || copied.LDAP || len(copied.PasswordHash) == 0 {
		return Subject{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(copied.PasswordHash, []byte(password)); err != nil {
		return Subject{}, ErrInvalidCredentials
	}
	return copied, nil
}

// Get returns a subject by name.
func (s *Subjects) Get(ctx context.Context, name string) (Subject, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject := s.byName(name)
	if subject == nil {
		return Subject{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *subject, nil
}

// List returns every subject ordered by ID.
func (s *Subjects) List(ctx context.Context) ([]Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Subject, 0, len(s.byID))
	for _, subject := range s.byID {
		out = append(out, *subject)
	}
	slices.SortFunc(out, func(a, b Subject) int { return a.ID - b.ID })
	return out, nil
}

// Delete removes subjects on behalf of actor.
//
// Returns:
//   - Number of subjects deleted
//   - ErrProtectedSubject if ids contains overlord, rhqadmin or the actor
//   - ErrNotFound if an ID is unknown
//
// Every ID is checked before anything is deleted.
func (s *Subjects) Delete(ctx context.Context, actor string, ids []int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var b storage.Batch
	var doomed []int
	for _, id := range ids {
		if slices.Contains(doomed, id) {
			continue
		}
		subject, ok := s.byID[id]
		if !ok {
			return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if id == OverlordID || id == AdminID || subject.System {
			return 0, fmt.Errorf("%w: %s is a system root user and must always exist", ErrProtectedSubject, subject.Name)
		}
		if subject.Name == actor {
			return 0, fmt.Errorf("%w: you cannot remove yourself (%s)", ErrProtectedSubject, subject.Name)
		}
		b.Delete(subjectKey(id))
		doomed = append(doomed, id)
	}
	if err := s.store.Write(&b); err != nil {
		return 0, fmt.Errorf("delete subjects: %w", err)
	}
	for _, id := range doomed {
		s.logger.Info("subject deleted", zap.String("subject", s.byID[id].Name), zap.String("actor", actor))
		delete(s.byID, id)
	}
	return len(doomed), nil
}

// ChangePassword sets a new password for a locally authenticated subject.
//
// Returns:
//   - ErrLDAPManaged for LDAP subjects
//   - ErrProtectedSubject for the system subject, which never logs in
//   - ErrInvalidPassword if password is too short
func (s *Subjects) ChangePassword(ctx context.Context, name, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.validatePassword(password); err != nil {
		return err
	}

	s.mu.RLock()
	existing := s.byName(name)
	var subject Subject
	if existing != nil {
		subject = *existing
	}
	s.mu.RUnlock()

	switch {
	case existing == nil:
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case subject.LDAP:
		return fmt.Errorf("%w: %s authenticates against LDAP", ErrLDAPManaged, name)
	case subject.System:
		return fmt.Errorf("%w: %s has no password", ErrProtectedSubject, name)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[subject.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	updated := *current
	updated.PasswordHash = hash

	var b storage.Batch
	if err := stage(&b, &updated); err != nil {
		return err
	}
	if err := s.store.Write(&b); err != nil {
		return fmt.Errorf("store password of %s: %w", name, err)
	}
	s.byID[subject.ID] = &updated
	s.logger.Info("password changed", zap.String("subject", name))
	return nil
}
