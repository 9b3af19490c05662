// Package census 人口普查 GeoPackage 的只读查询，薄封装
package census

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/shaxbee/go-spatialite"
)

// Reader 普查数据读取器
type Reader struct {
	db   *sql.DB
	path string
}

// Open 打开 GeoPackage 文件
func Open(path string) (*Reader, error) {
	db, err := sql.Open("spatialite", path)
	if err != nil {
		return nil, fmt.Errorf("open census gpkg %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open census gpkg %s: %w", path, err)
	}
	return &Reader{db: db, path: path}, nil
}

// Zipcode 按邮编取 ACS 属性，列名不做假设，整行转成映射返回
func (r *Reader) Zipcode(ctx context.Context, zip string) (map[string]interface{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT * FROM acs_data WHERE ZIPCODE = ?`, zip)
	if err != nil {
		return nil, fmt.Errorf("query zipcode %s: %w", zip, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			out[c] = string(b)
		} else {
			out[c] = vals[i]
		}
	}
	return out, nil
}

// Zipcodes 列出全部已知邮编
func (r *Reader) Zipcodes(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT ZIPCODE FROM zipcodes ORDER BY ZIPCODE`)
	if err != nil {
		return nil, fmt.Errorf("query zipcodes: %w", err)
	}
	defer rows.Close()

	var zips []string
	for rows.Next() {
		var z string
		if err := rows.Scan(&z); err != nil {
			return nil, err
		}
		zips = append(zips, z)
	}
	return zips, rows.Err()
}

// Close 关闭句柄
func (r *Reader) Close() error {
	return r.db.Close()
}
