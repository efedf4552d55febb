package game

import (
	"math/rand"
	"strconv"
	"time"
)

// RoomCodeLength is the number of digits in a room code.
const RoomCodeLength = 4

// Room is a joinable session. Rooms are never mutated after creation except
// for deactivation.
type Room struct {
	Code      string    `json:"room_code"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidRoomCode reports whether code is exactly RoomCodeLength ASCII digits.
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// GenerateRoomCode returns a random code in 1000..9999.
func GenerateRoomCode(rng *rand.Rand) string {
	return strconv.Itoa(1000 + rng.Intn(9000))
}
