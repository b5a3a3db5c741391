package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// backupPagesPerStep is the number of pages copied between progress lines.
const backupPagesPerStep = 64

// copyDatabase copies the file src to dst with the SQLite online backup. A
// line is written after every step when verbose is set.
func copyDatabase(ctx context.Context, src, dst string, verbose bool, out *jobOutput) error {
	srcDB, err := sqlx.Open("sqlite3", "file:"+src)
	if err != nil {
		return err
	}
	defer srcDB.Close()
	dstDB, err := sqlx.Open("sqlite3", "file:"+dst)
	if err != nil {
		return err
	}
	defer dstDB.Close()

	srcConn, err := srcDB.Connx(ctx)
	if err != nil {
		return mapError(err)
	}
	defer srcConn.Close()
	dstConn, err := dstDB.Connx(ctx)
	if err != nil {
		return mapError(err)
	}
	defer dstConn.Close()

	return rawConn(srcConn, func(from *sqlite3.SQLiteConn) error {
		return rawConn(dstConn, func(to *sqlite3.SQLiteConn) error {
			bk, err := to.Backup("main", from, "main")
			if err != nil {
				return mapError(err)
			}
			for {
				if err := ctx.Err(); err != nil {
					bk.Finish()
					return mapError(err)
				}
				done, err := bk.Step(backupPagesPerStep)
				if err != nil {
					bk.Finish()
					return mapError(err)
				}
				if verbose {
					out.add(fmt.Sprintf("gbak: copied %d of %d pages", bk.PageCount()-bk.Remaining(), bk.PageCount()))
				}
				if done {
					break
				}
			}
			return mapError(bk.Finish())
		})
	})
}

func fileSize(path string) uint64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(st.Size())
}

func (s *Service) backup(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBDBName, "database name")
	if err != nil {
		return err
	}
	target, err := requiredArg(args, types.SPBBkpFile, "backup file")
	if err != nil {
		return err
	}
	verbose := args.Has(types.SPBVerbose)
	src, dst := s.engine.ResolvePath(name), s.engine.ResolvePath(target)
	if _, err := os.Stat(src); err != nil {
		return serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open\" operation for file \"%s\"", src), err)
	}
	if err := removeDatabaseFiles(dst); err != nil {
		return err
	}
	if verbose {
		out.add(fmt.Sprintf("gbak:readied database %s for backup", src))
		out.add("gbak:writing data pages")
	}
	if err := copyDatabase(ctx, src, dst, verbose, out); err != nil {
		removeDatabaseFiles(dst)
		return err
	}
	if verbose {
		out.add(fmt.Sprintf("gbak:closing file, committing, and finishing. %s written", humanize.Bytes(fileSize(dst))))
	}
	s.engine.log.write(ctx, "info", fmt.Sprintf("backup of %s to %s by %s", src, dst, s.user.name))
	return nil
}

func (s *Service) restore(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	source, err := requiredArg(args, types.SPBBkpFile, "backup file")
	if err != nil {
		return err
	}
	name, err := requiredArg(args, types.SPBDBName, "database name")
	if err != nil {
		return err
	}
	verbose := args.Has(types.SPBVerbose)
	options, _ := argInt(args, types.SPBOptions)
	src, dst := s.engine.ResolvePath(source), s.engine.ResolvePath(name)
	if _, err := os.Stat(src); err != nil {
		return serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open\" operation for file \"%s\"", src), err)
	}

	s.engine.mu.Lock()
	db, inUse := s.engine.databases[dst]
	s.engine.mu.Unlock()
	if inUse && db != nil {
		return serverError("HY000", -901, gdsLockConflict,
			fmt.Sprintf("lock time-out on wait transaction\n-object %s is in use", dst), nil)
	}
	if _, err := os.Stat(dst); err == nil {
		if options&types.SPBResReplace == 0 {
			return serverError("08001", -902, gdsIOError,
				fmt.Sprintf("database %s already exists.  To replace it, use the -REP switch", dst), os.ErrExist)
		}
		if err := removeDatabaseFiles(dst); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open O_CREAT\" operation for file \"%s\"", dst), err)
	}
	if verbose {
		out.add(fmt.Sprintf("gbak:opened file %s", src))
		out.add(fmt.Sprintf("gbak:creating database %s", dst))
	}
	if err := copyDatabase(ctx, src, dst, verbose, out); err != nil {
		removeDatabaseFiles(dst)
		return err
	}
	if verbose {
		out.add("gbak:finishing, closing, and going home")
	}
	s.engine.log.write(ctx, "info", fmt.Sprintf("restore of %s to %s by %s", src, dst, s.user.name))
	return nil
}

// openExisting opens a database file for inspection.
func openExisting(path string) (*sqlx.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open\" operation for file \"%s\"", path), err)
	}
	db, err := sqlx.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, mapError(err)
	}
	return db, nil
}

func (s *Service) dbStats(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBDBName, "database name")
	if err != nil {
		return err
	}
	path := s.engine.ResolvePath(name)
	db, err := openExisting(path)
	if err != nil {
		return err
	}
	defer db.Close()

	var pageSize, pageCount, freePages int64
	for _, p := range []struct {
		pragma string
		dst    *int64
	}{{"page_size", &pageSize}, {"page_count", &pageCount}, {"freelist_count", &freePages}} {
		if err := db.GetContext(ctx, p.dst, "PRAGMA "+p.pragma); err != nil {
			return mapError(err)
		}
	}
	var catalog catalogRow
	if err := db.GetContext(ctx, &catalog, "SELECT * FROM rdb$database LIMIT 1"); err != nil {
		return mapError(err)
	}
	out.add(fmt.Sprintf("Database \"%s\"", path))
	out.add("Database header page information:")
	out.add(fmt.Sprintf("\tPage size\t\t%d", pageSize))
	out.add(fmt.Sprintf("\tODS version\t\t%d.%d", odsMajor, odsMinor))
	out.add(fmt.Sprintf("\tPages\t\t\t%s", humanize.Comma(pageCount)))
	out.add(fmt.Sprintf("\tFree pages\t\t%s", humanize.Comma(freePages)))
	out.add(fmt.Sprintf("\tFile size\t\t%s", humanize.Bytes(fileSize(path))))
	out.add(fmt.Sprintf("\tDatabase dialect\t%d", catalog.Dialect))
	out.add(fmt.Sprintf("\tCharacter set\t\t%s", catalog.Charset))
	out.add(fmt.Sprintf("\tCreation date\t\t%s", catalog.Created))
	out.add(fmt.Sprintf("\tSweep interval:\t\t%d", catalog.Sweep))
	attrs := []string{}
	if catalog.ForcedWrites {
		attrs = append(attrs, "force write")
	}
	if catalog.ReadOnly {
		attrs = append(attrs, "read only")
	}
	out.add(fmt.Sprintf("\tAttributes\t\t%s", strings.Join(attrs, ", ")))
	out.add("")

	var tables []string
	err = db.SelectContext(ctx, &tables, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE 'rdb$%' AND name != '_versions'
		ORDER BY name`)
	if err != nil {
		return mapError(err)
	}
	out.add("Analyzing database pages ...")
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return mapError(err)
		}
		var rows int64
		if err := db.GetContext(ctx, &rows, "SELECT count(*) FROM "+quoteIdent(table)); err != nil {
			return mapError(err)
		}
		out.add(strings.ToUpper(table))
		out.add(fmt.Sprintf("    Records: %s", humanize.Comma(rows)))
	}
	return nil
}

func (s *Service) validate(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBDBName, "database name")
	if err != nil {
		return err
	}
	path := s.engine.ResolvePath(name)
	db, err := openExisting(path)
	if err != nil {
		return err
	}
	defer db.Close()
	var results []string
	if err := db.SelectContext(ctx, &results, "PRAGMA integrity_check"); err != nil {
		return mapError(err)
	}
	out.add(fmt.Sprintf("Validation started for %s", path))
	problems := 0
	for _, r := range results {
		if r == "ok" {
			continue
		}
		problems++
		out.add(r)
	}
	out.add(fmt.Sprintf("Validation finished: %d errors", problems))
	if problems > 0 {
		return dberrors.Databasef("HY000", -902, "database %s is corrupt (%d errors)", path, problems)
	}
	return nil
}

func (s *Service) getLog(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	entries, err := s.engine.log.entries(ctx)
	if err != nil {
		return mapError(err)
	}
	for _, e := range entries {
		out.add(e.String())
	}
	return nil
}

func optionalArg(args *buffer.Buffer, tag byte) *string {
	if it, ok := args.Find(tag); ok {
		v := it.String()
		return &v
	}
	return nil
}

func (s *Service) addUser(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBSecUserName, "user name")
	if err != nil {
		return err
	}
	admin, _ := argInt(args, types.SPBSecAdmin)
	u := userRecord{
		Username:   name,
		FirstName:  argString(args, types.SPBSecFirstName),
		MiddleName: argString(args, types.SPBSecMiddleName),
		LastName:   argString(args, types.SPBSecLastName),
		Admin:      admin != 0,
	}
	if err := s.engine.security.addUser(ctx, u, argString(args, types.SPBSecPassword)); err != nil {
		return err
	}
	s.engine.log.write(ctx, "info", fmt.Sprintf("user %s added by %s", normalizeUser(name), s.user.name))
	return nil
}

func (s *Service) modifyUser(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBSecUserName, "user name")
	if err != nil {
		return err
	}
	c := userChange{
		Password:   optionalArg(args, types.SPBSecPassword),
		FirstName:  optionalArg(args, types.SPBSecFirstName),
		MiddleName: optionalArg(args, types.SPBSecMiddleName),
		LastName:   optionalArg(args, types.SPBSecLastName),
	}
	if n, ok := argInt(args, types.SPBSecAdmin); ok {
		admin := n != 0
		c.Admin = &admin
	}
	if err := s.engine.security.modifyUser(ctx, name, c); err != nil {
		return err
	}
	s.engine.log.write(ctx, "info", fmt.Sprintf("user %s modified by %s", normalizeUser(name), s.user.name))
	return nil
}

func (s *Service) deleteUser(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name, err := requiredArg(args, types.SPBSecUserName, "user name")
	if err != nil {
		return err
	}
	if err := s.engine.security.deleteUser(ctx, name); err != nil {
		return err
	}
	s.engine.log.write(ctx, "info", fmt.Sprintf("user %s deleted by %s", normalizeUser(name), s.user.name))
	return nil
}

// displayUser writes one tab-separated line per user: name, first, middle
// and last name, admin flag. Users without admin rights see only themselves.
func (s *Service) displayUser(ctx context.Context, args *buffer.Buffer, out *jobOutput) error {
	name := argString(args, types.SPBSecUserName)
	if s.engine.cfg.RequireAuth && !s.user.admin {
		if name != "" && normalizeUser(name) != s.user.name {
			return s.requireAdmin(types.ActionDisplayUser)
		}
		name = s.user.name
	}
	users, err := s.engine.security.users(ctx, name)
	if err != nil {
		return err
	}
	for _, u := range users {
		admin := 0
		if u.Admin || u.Username == sysdba {
			admin = 1
		}
		out.add(strings.Join([]string{u.Username, u.FirstName, u.MiddleName, u.LastName, fmt.Sprint(admin)}, "\t"))
	}
	return nil
}
