package demo

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fhirql/fhirql"
)

var patients = map[string]string{
	"pat-1": `{"resourceType": "Patient", "birthDate": "1974-12-25",
	           "name": [{"use": "official", "family": "Chalmers", "given": ["Peter", "James"]},
	                    {"use": "usual", "given": ["Jim"]}]}`,
	"pat-2": `{"resourceType": "Patient", "birthDate": "1982-01-23",
	           "name": [{"use": "official", "family": "Levin", "given": ["Henry"]}]}`,
	"pat-3": `{"resourceType": "Patient", "birthDate": "1932-09-24",
	           "name": [{"use": "usual", "given": ["Willow"]}]}`,
}

func example() error {
	sqldb, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return err
	}
	defer sqldb.Close()

	_, err = sqldb.Exec("CREATE TABLE patient (id TEXT PRIMARY KEY, data TEXT NOT NULL)")
	if err != nil {
		return err
	}
	for id, doc := range patients {
		_, err = sqldb.Exec("INSERT INTO patient (id, data) VALUES (?, ?)", id, doc)
		if err != nil {
			return err
		}
	}

	compiler := fhirql.NewCompiler(
		fhirql.WithRecordSource(fhirql.RecordSource{Table: "patient"}),
	)

	// Three named expressions evaluated for the whole population in one
	// query. hasOfficial references officialFamily by name instead of
	// repeating the navigation.
	plan, err := compiler.Compile(context.Background(), map[string]string{
		"officialFamily": `Patient.name.where(use = 'official').family`,
		"hasOfficial":    `%officialFamily.exists()`,
		"givenCount":     `Patient.name.given.count()`,
	})
	if err != nil {
		return err
	}
	fmt.Println("compiled query:")
	fmt.Println(plan.SQL())

	db := fhirql.NewDB(sqldb)
	records, err := db.QueryAll(context.Background(), plan)
	if err != nil {
		return err
	}
	for _, record := range records {
		family, _ := record.Value("officialFamily")
		count, _ := record.Value("givenCount")
		fmt.Printf("%v: officialFamily=%v givenCount=%v\n", record.Key, family, count)
	}
	return nil
}

func main() {
	err := example()
	if err != nil {
		panic(err)
	}
}
