// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package violationindexer indexes NYC parking violation records from the
// Socrata open data API into Elasticsearch.
//
// An Indexer creates the destination index with a fixed mapping, then walks
// the dataset page by page with limit/offset pagination ordered by summons
// number. Each page is transformed into flat documents and sent as a single
// bulk request, using the summons number as document ID so that re-running
// the indexer overwrites documents instead of duplicating them.
//
// Rows missing a field, or holding an amount that is not a number, are
// dropped and counted per reason. A failed bulk request is logged with the
// page it belongs to and does not stop the remaining pages.
package violationindexer
