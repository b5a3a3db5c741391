// Package driver is the client side of fbdriver. It manages connections,
// transactions (single and distributed), prepared statements, cursors, BLOB
// readers, event collectors and service manager jobs.
//
// The driver talks to a server through the api package. Unless a provider is
// passed in ConnectParams or installed with SetDefaultProvider, an embedded
// engine working on SQLite files is started on first use.
//
// A minimal session:
//
//	con, err := driver.CreateDatabase(ctx, "employee.fdb", driver.CreateParams{})
//	if err != nil {
//		return err
//	}
//	defer con.Close(ctx)
//
//	cur := con.Cursor()
//	if err := cur.Execute(ctx, "CREATE TABLE t (n INTEGER)"); err != nil {
//		return err
//	}
//	if err := con.Commit(ctx); err != nil {
//		return err
//	}
//	if err := cur.ExecuteMany(ctx, "INSERT INTO t VALUES (?)", [][]any{{1}, {2}}); err != nil {
//		return err
//	}
//	if err := con.Commit(ctx); err != nil {
//		return err
//	}
//	if err := cur.Execute(ctx, "SELECT n FROM t ORDER BY n"); err != nil {
//		return err
//	}
//	for row, err := range cur.Rows(ctx) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(row[0])
//	}
//
// Errors are *dberrors.Error values. Use the dberrors.Is* helpers to test
// their kind.
package driver
