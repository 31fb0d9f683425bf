package sqlguard

import "testing"

func TestValidated_Bounded(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		n    int
		want string
	}{
		{
			name: "limit under the cap untouched",
			sql:  "SELECT TOP (10) ProductID FROM Production.Product ORDER BY ProductID",
			n:    101,
			want: "SELECT TOP (10) ProductID FROM Production.Product ORDER BY ProductID",
		},
		{
			name: "top above the cap clamped",
			sql:  "SELECT TOP (8000) ProductID FROM Production.Product ORDER BY ProductID",
			n:    5001,
			want: "SELECT TOP (5001) ProductID FROM Production.Product ORDER BY ProductID",
		},
		{
			name: "unparenthesized top clamped",
			sql:  "SELECT TOP 8000 ProductID FROM Production.Product ORDER BY ProductID",
			n:    5001,
			want: "SELECT TOP 5001 ProductID FROM Production.Product ORDER BY ProductID",
		},
		{
			name: "fetch next above the cap clamped",
			sql:  "SELECT ProductID FROM Production.Product ORDER BY ProductID OFFSET 0 ROWS FETCH NEXT 9000 ROWS ONLY",
			n:    5001,
			want: "SELECT ProductID FROM Production.Product ORDER BY ProductID OFFSET 0 ROWS FETCH NEXT 5001 ROWS ONLY",
		},
		{
			name: "subquery limit under the cap untouched",
			sql:  "SELECT TOP (6000) ProductID FROM Production.Product WHERE ProductID IN (SELECT TOP 10 ProductID FROM Production.Product ORDER BY ProductID) ORDER BY ProductID",
			n:    5001,
			want: "SELECT TOP (5001) ProductID FROM Production.Product WHERE ProductID IN (SELECT TOP 10 ProductID FROM Production.Product ORDER BY ProductID) ORDER BY ProductID",
		},
		{
			name: "capless aggregate gains a constant order and fetch",
			sql:  "SELECT COUNT(*) FROM Production.Product",
			n:    101,
			want: "SELECT COUNT(*) FROM Production.Product ORDER BY (SELECT NULL) OFFSET 0 ROWS FETCH NEXT 101 ROWS ONLY",
		},
		{
			name: "capless group by with order by gains a fetch",
			sql:  "SELECT Color, COUNT(*) FROM Production.Product GROUP BY Color ORDER BY Color",
			n:    101,
			want: "SELECT Color, COUNT(*) FROM Production.Product GROUP BY Color ORDER BY Color OFFSET 0 ROWS FETCH NEXT 101 ROWS ONLY",
		},
		{
			name: "trailing offset without fetch gains a fetch",
			sql:  "SELECT Color, COUNT(*) FROM Production.Product GROUP BY Color ORDER BY Color OFFSET 5 ROWS",
			n:    101,
			want: "SELECT Color, COUNT(*) FROM Production.Product GROUP BY Color ORDER BY Color OFFSET 5 ROWS FETCH NEXT 101 ROWS ONLY",
		},
		{
			name: "trailing semicolon stripped before the rewrite",
			sql:  "SELECT COUNT(*) FROM Production.Product;",
			n:    50,
			want: "SELECT COUNT(*) FROM Production.Product ORDER BY (SELECT NULL) OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stmt := Validated{sql: tc.sql}
			if got := stmt.Bounded(tc.n); got != tc.want {
				t.Errorf("Bounded(%d)\n got  %s\n want %s", tc.n, got, tc.want)
			}
		})
	}

	t.Run("non-positive cap leaves the statement alone", func(t *testing.T) {
		stmt := Validated{sql: "SELECT COUNT(*) FROM Production.Product"}
		if got := stmt.Bounded(0); got != stmt.sql {
			t.Errorf("Bounded(0) = %s, want unchanged", got)
		}
	})
}
