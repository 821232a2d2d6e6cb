package postgresdb

import "testing"

func TestCompactSQL(t *testing.T) {
	in := `
		ALTER TABLE "build"
			ADD CONSTRAINT "build_part_fk" FOREIGN KEY ( "part" )
			REFERENCES "part" ("id")   ON DELETE CASCADE
	`
	want := `ALTER TABLE "build" ADD CONSTRAINT "build_part_fk" FOREIGN KEY("part") REFERENCES "part"("id") ON DELETE CASCADE`
	if got := compactSQL(in); got != want {
		t.Fatalf("compactSQL() =\n%s\nwant\n%s", got, want)
	}
}
