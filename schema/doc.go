// Package schema holds the entity metadata used by the compiler and the
// assemblers: which table an entity maps to, which column each member maps
// to, which members form the key and how entities navigate to each other.
//
// # Struct tags
//
//	type User struct {
//	    ID        int64     `db:"id,pk,auto"`
//	    Name      string    `db:"name"`
//	    Age       int       `db:"age"`
//	    IsEnabled bool      `db:"is_enabled"`
//	    Settings  Settings  `db:"settings,convert=json"`
//	    Posts     []Post    `nav:"fk=AuthorID"`
//	}
//
//	type Post struct {
//	    ID       int64 `db:"id,pk,auto"`
//	    AuthorID int64 `db:"author_id"`
//	    Author   *User `nav:"fk=AuthorID"`
//	}
//
// Members without a db tag map to the snake case of their name, tables to
// the snake case plural of the type name unless the type implements Tabler.
// A single-valued navigation (*T or T) keeps the foreign key on the owner,
// a collection navigation ([]T or []*T) keeps it on the target.
//
// # Registry
//
//	reg, err := schema.NewRegistry(schema.Entities(User{}, Post{},
//	    schema.Define(Event{}, schema.Table("audit_events"), schema.Keys("Seq")),
//	))
//
// Converters registered by default: json, msgpack, uuid and uuid_bytes.
package schema
