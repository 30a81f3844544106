package guesttoken

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Гостевой доступ — bearer-capability: обладание токеном и есть авторизация.
// Токен привязан ровно к одному тикету и никогда не перезаписывается.

const tokenBytes = 32

// New возвращает непрозрачный высокоэнтропийный токен.
func New() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("guesttoken: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Matches сравнивает предъявленный токен с сохранённым за постоянное время.
// Пустой сохранённый токен не совпадает ни с чем.
func Matches(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
