package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func tandaHandlers() repository.ModelHandlers[*tandaRecord] {
	return repository.ModelHandlers[*tandaRecord]{
		NewRecord: func() *tandaRecord {
			return &tandaRecord{}
		},
		GetID: func(record *tandaRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *tandaRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *tandaRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

// participantHandlers key on user_id; rows are always scoped by tanda_id.
func participantHandlers() repository.ModelHandlers[*participantRecord] {
	return repository.ModelHandlers[*participantRecord]{
		NewRecord: func() *participantRecord {
			return &participantRecord{}
		},
		GetID: func(record *participantRecord) uuid.UUID {
			return uuid.Nil
		},
		SetID: func(*participantRecord, uuid.UUID) {},
		GetIdentifier: func() string {
			return "user_id"
		},
		GetIdentifierValue: func(record *participantRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.UserID)
		},
	}
}

func paymentHandlers() repository.ModelHandlers[*paymentRecord] {
	return repository.ModelHandlers[*paymentRecord]{
		NewRecord: func() *paymentRecord {
			return &paymentRecord{}
		},
		GetID: func(record *paymentRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *paymentRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *paymentRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func sagaHandlers() repository.ModelHandlers[*sagaRecord] {
	return repository.ModelHandlers[*sagaRecord]{
		NewRecord: func() *sagaRecord {
			return &sagaRecord{}
		},
		GetID: func(record *sagaRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *sagaRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *sagaRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
