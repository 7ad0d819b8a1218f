package db

import "ti/models"

// Pull loads the whole store into a fresh Index and returns every contact
// edge alongside it. Used on cold start and for forced reloads.
func (db *DB) Pull() (*models.Index, []models.Contact, error) {
	idx := models.NewIndex()

	entities, err := db.ListEntities()
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entities {
		idx.Put(e)
	}

	frames, err := db.ListFrames()
	if err != nil {
		return nil, nil, err
	}
	for _, f := range frames {
		idx.PutFrame(f)
	}

	messages, err := db.ListMessages()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range messages {
		idx.PutMessage(m)
	}

	rows, err := db.conn.Query("SELECT owner_id, contact_id FROM contacts ORDER BY id")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.Owner, &c.Contact); err != nil {
			return nil, nil, err
		}
		contacts = append(contacts, c)
	}
	return idx, contacts, rows.Err()
}
