package keys

import (
	"crypto/rand"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ransxm/keyserver/pkg/keyserver/models"
)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxGenerateAttempts bounds the regenerate-on-collision loop. With a
// 36^16 key space a single retry should never be needed in practice.
const maxGenerateAttempts = 3

// ErrKeyGeneration is returned when a unique key could not be inserted
// within the attempt budget
var ErrKeyGeneration = errors.New("could not generate a unique key")

// GenerateKey returns a new random key value: the fixed prefix plus four
// groups of four characters from the 36-character alphanumeric alphabet
func GenerateKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}

	var b strings.Builder
	b.WriteString(models.KeyPrefix)
	for i := 0; i < 4; i++ {
		b.WriteByte('-')
		for j := 0; j < 4; j++ {
			b.WriteByte(keyAlphabet[int(buf[i*4+j])%len(keyAlphabet)])
		}
	}
	return b.String()
}

// createWithRetry inserts a key, regenerating its value if the storage
// uniqueness constraint fires
func createWithRetry(db *gorm.DB, k *models.Key) error {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		k.KeyValue = GenerateKey()
		err := db.Create(k).Error
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
	}
	return ErrKeyGeneration
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
