package example

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fhirql/fhirql"
	"github.com/fhirql/fhirql/schema"
)

const patientSchema = `
Patient:
  birthDate: {type: date}
  name: {type: HumanName, collection: true}
HumanName:
  use: {type: code}
  family: {type: string}
  given: {type: string, collection: true}
`

func example() {
	sqldb, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		panic(err)
	}
	defer sqldb.Close()

	_, err = sqldb.Exec(`
	CREATE TABLE patient (
		id text primary key,
		data text not null
	);`)
	if err != nil {
		panic(err)
	}
	_, err = sqldb.Exec(`INSERT INTO patient (id, data) VALUES
		('pat-1', '{"birthDate": "1974-12-25", "name": [{"use": "official", "family": "Chalmers"}]}'),
		('pat-2', '{"birthDate": "1982-01-23"}');`)
	if err != nil {
		panic(err)
	}

	// With a schema, birthDate is known to be single valued, so its result
	// column carries the bare value instead of a serialized array.
	sch, err := schema.Parse([]byte(patientSchema))
	if err != nil {
		panic(err)
	}
	compiler := fhirql.NewCompiler(
		fhirql.WithRecordSource(fhirql.RecordSource{Table: "patient"}),
		fhirql.WithSchema(sch),
	)
	plan, err := compiler.CompileOne(context.Background(), `Patient.birthDate`)
	if err != nil {
		panic(err)
	}

	db := fhirql.NewDB(sqldb)
	records, err := db.QueryAll(context.Background(), plan)
	if err != nil {
		panic(err)
	}
	for _, record := range records {
		birthDate, _ := record.Value("result")
		fmt.Printf("%v born %v\n", record.Key, birthDate)
	}
}
