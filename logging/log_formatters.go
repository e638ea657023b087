/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Extra fields attached to every JSON log entry.
const (
	FieldKeyProduct   = "product"
	FieldKeyUnixTime  = "unixTime"
	FieldKeyTimestamp = "timestamp"
)

// TextFormatter returns a default logrus.TextFormatter with specific settings
func TextFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  time.RFC3339,
		QuoteEmptyFields: true}
}

// JSONFormatter returns a json formatter that stamps entries with the
// provided default fields.
func JSONFormatter(fields logrus.Fields) logrus.Formatter {
	return jsonFormatter{
		formatter: &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: FieldKeyTimestamp,
			},
			TimestampFormat: time.RFC3339,
		},
		fields: fields,
	}
}

type jsonFormatter struct {
	formatter logrus.Formatter
	fields    logrus.Fields
}

// Format adds default fields that the entry doesn't carry itself.
func (f jsonFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	for key, value := range f.fields {
		if _, ok := entry.Data[key]; !ok {
			entry.Data[key] = value
		}
	}
	if _, ok := entry.Data[FieldKeyUnixTime]; !ok {
		entry.Data[FieldKeyUnixTime] = entry.Time.Unix()
	}
	return f.formatter.Format(entry)
}
