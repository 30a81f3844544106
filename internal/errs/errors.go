package errs

import "errors"

// Ошибки доменного уровня. Сервисный слой возвращает их (обёрнутыми через %w),
// HTTP-слой переводит в коды ответов.
var (
	ErrCaseNotFound        = errors.New("case not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrNotAllowed    = errors.New("not allowed")
	ErrTokenMismatch = errors.New("guest token mismatch")

	// Конфликты — ожидаемый исход гонок, не баги (см. обработку в handler).
	ErrAdvisorBusy     = errors.New("advisor already has an active session")
	ErrAlreadyTaken    = errors.New("ticket already taken by another advisor")
	ErrAdvisorOffline  = errors.New("advisor is not online")
	ErrTicketNotActive = errors.New("ticket is not active")

	ErrCredentialIssuance = errors.New("media credential issuance failed")
)
