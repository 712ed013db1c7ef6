package migration

import (
	"fmt"
	"time"
)

type Direction rune

const (
	Down Direction = 'd'
	Up   Direction = 'u'
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return fmt.Sprintf("direction(%c)", rune(d))
}

// ---

const VersionBits = 64

// Version orders migrations. Zero is reserved and never names a migration.
type Version uint64

type Migration struct {
	Version Version
	Name    string
}

func (m Migration) String() string {
	return fmt.Sprintf("%d_%s", m.Version, m.Name)
}

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applied:
		return "applied"
	case Missing:
		return "missing"
	}
	return fmt.Sprintf("status(%d)", uint(s))
}

// ---

// Record is one row of the history table.
type Record struct {
	Migration
	AppliedAt time.Time
}

// ---

type Description struct {
	Migration
	CanUndo bool
}

type State struct {
	Description
	Status    Status
	AppliedAt time.Time
}
