// Package building describes the floors and rooms that make up the monitored
// building. Floors are ordered; room names are normalized into device ids.
package building

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidStructure is returned by Validate when the building layout
// cannot be used to generate a registry.
var ErrInvalidStructure = errors.New("building: invalid structure")

// Floor is one floor of the building and its rooms, in display order.
type Floor struct {
	Name  string   `yaml:"name" json:"name"`
	Rooms []string `yaml:"rooms" json:"rooms"`
}

// Structure is the ordered list of floors in the building.
type Structure []Floor

// Default returns the layout of the FUB building.
func Default() Structure {
	return Structure{
		{Name: "Ground", Rooms: []string{"Room 101", "Room 102", "Room 103"}},
		{Name: "1", Rooms: []string{"Room 201", "Room 202", "Room 203", "Room 204"}},
		{Name: "2", Rooms: []string{"Room 301", "Room 302", "Room 303"}},
		{Name: "3", Rooms: []string{"Room 401", "Room 402", "Room 403", "Room 404"}},
		{Name: "4", Rooms: []string{"Room 501", "Room 502"}},
		{Name: "5", Rooms: []string{"Room 601", "Room 602", "Room 603"}},
	}
}

// NormalizeID derives a device id from a room name by removing all
// whitespace, so "Room 101" becomes "Room101".
func NormalizeID(room string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, room)
}

// FloorNames returns the floor names in order.
func (s Structure) FloorNames() []string {
	names := make([]string, 0, len(s))
	for _, f := range s {
		names = append(names, f.Name)
	}
	return names
}

// RoomCount returns the total number of rooms across all floors.
func (s Structure) RoomCount() int {
	n := 0
	for _, f := range s {
		n += len(f.Rooms)
	}
	return n
}

// HasFloor reports whether name is one of the building's floors.
func (s Structure) HasFloor(name string) bool {
	for _, f := range s {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Validate checks that every floor and room is named and that no two rooms
// normalize to the same device id.
func (s Structure) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no floors", ErrInvalidStructure)
	}
	floors := make(map[string]bool, len(s))
	ids := make(map[string]string, s.RoomCount())
	for _, f := range s {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("%w: floor name is required", ErrInvalidStructure)
		}
		if floors[f.Name] {
			return fmt.Errorf("%w: duplicate floor %q", ErrInvalidStructure, f.Name)
		}
		floors[f.Name] = true
		for _, room := range f.Rooms {
			id := NormalizeID(room)
			if id == "" {
				return fmt.Errorf("%w: empty room name on floor %q", ErrInvalidStructure, f.Name)
			}
			if prev, ok := ids[id]; ok {
				return fmt.Errorf("%w: rooms %q and %q share id %q", ErrInvalidStructure, prev, room, id)
			}
			ids[id] = room
		}
	}
	return nil
}
