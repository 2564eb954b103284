// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mysql

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCanonicalise(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			"SELECT /*+hint*/ a, 'x''y', 0x1a, -3.14 FROM `T` WHERE id=42 -- tail",
			"SELECT /*+hint*/ a, ?, ?, ? FROM `T` WHERE id=?",
		},
		{"SELECT 1", "SELECT ?"},
		{"SELECT  \t 1  ,\n 2", "SELECT ? , ?"},
		{"select 'it''s'", "select ?"},
		{`select "a\"b"`, "select ?"},
		{"select `weird``name` from t1", "select `weird``name` from t1"},
		{"SELECT a FROM t # trailing", "SELECT a FROM t"},
		{"SELECT a /* comment */ FROM t", "SELECT a FROM t"},
		{"SELECT /*! STRAIGHT_JOIN */ a FROM t", "SELECT /*! STRAIGHT_JOIN */ a FROM t"},
		{"SELECT /*M! 100000 x */ a", "SELECT /*M! 100000 x */ a"},
		{"INSERT INTO t VALUES (1, 2.5, -7, 1e10, 0b01)", "INSERT INTO t VALUES (?, ?, ?, ?, ?)"},
		{"SELECT a-3 FROM t", "SELECT a-? FROM t"},
		{"SELECT 1-3", "SELECT ?-?"},
		{"UPDATE t SET a = -1 WHERE b > +2", "UPDATE t SET a = ? WHERE b > ?"},
		{"SELECT t1.c2 FROM t1", "SELECT t1.c2 FROM t1"},
		{"", ""},
		{"   ", ""},
		{"/* only a comment */", ""},
		{"-- only a comment", ""},
		{"# another", ""},
		{"SELECT .5", "SELECT ?"},
		{"SELECT x'", "SELECT x?"},
	}

	Convey("canonicalisation", t, func() {
		for _, tc := range cases {
			So(Canonicalise(tc.in), ShouldEqual, tc.want)
		}

		Convey("it is idempotent on every case", func() {
			for _, tc := range cases {
				once := Canonicalise(tc.in)
				So(Canonicalise(once), ShouldEqual, once)
			}
		})

		Convey("double dash without a space is not a comment", func() {
			So(Canonicalise("SELECT a--1 FROM t"), ShouldEqual, "SELECT a-? FROM t")
		})
	})
}
