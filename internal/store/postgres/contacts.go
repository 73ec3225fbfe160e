package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Contact is one row of the CRM contacts table.
type Contact struct {
	ID         int64
	Name       string
	Phone      string
	Email      string
	Notes      string
	Attributes map[string]any
}

// AddContact inserts a contact and returns its ID.
func (s *Store) AddContact(ctx context.Context, c Contact) (int64, error) {
	if c.Attributes == nil {
		c.Attributes = map[string]any{}
	}
	const q = `
		INSERT INTO contacts (name, phone, email, notes, attributes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q, c.Name, c.Phone, c.Email, c.Notes, c.Attributes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: add contact: %w", err)
	}
	return id, nil
}

// ContactByPhone returns the contact registered under phone, or (nil, nil)
// when the number is unknown. Used to build CRM context at call start.
func (s *Store) ContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	const q = `
		SELECT id, name, phone, email, notes, attributes
		FROM   contacts
		WHERE  phone = $1
		ORDER  BY id
		LIMIT  1`

	var c Contact
	err := s.pool.QueryRow(ctx, q, phone).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Notes, &c.Attributes)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: contact by phone: %w", err)
	}
	return &c, nil
}

// SearchContacts implements the data source behind the query_database tool.
// It runs a full-text search over name and notes plus a substring match on
// name and phone, so both "find contact John Smith" and a raw phone fragment
// resolve. Results are capped at limit.
//
// The 'simple' text-search configuration is deliberate: stemming is useless
// for proper nouns and the data is mixed Spanish/English.
func (s *Store) SearchContacts(ctx context.Context, query string, limit int) ([]map[string]any, error) {
	const q = `
		SELECT id, name, phone, email, notes, attributes
		FROM   contacts
		WHERE  to_tsvector('simple', name || ' ' || notes) @@ plainto_tsquery('simple', $1)
		   OR  name  ILIKE '%' || $1 || '%'
		   OR  phone LIKE '%' || $1 || '%'
		ORDER  BY id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search contacts: %w", err)
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Contact, error) {
		var c Contact
		err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Notes, &c.Attributes)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: search contacts: %w", err)
	}

	// Flatten into the loosely typed rows the LLM tool serializes.
	results := make([]map[string]any, len(contacts))
	for i, c := range contacts {
		results[i] = map[string]any{
			"id":    c.ID,
			"name":  c.Name,
			"phone": c.Phone,
			"email": c.Email,
			"notes": c.Notes,
		}
		for k, v := range c.Attributes {
			if _, taken := results[i][k]; !taken {
				results[i][k] = v
			}
		}
	}
	return results, nil
}
