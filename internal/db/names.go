package db

import "os"

func CasesTableName() string {
	return os.Getenv("CASES_TABLE")
}

func AuditTableName() string {
	return os.Getenv("AUDIT_TABLE")
}

func ConfigTableName() string {
	return os.Getenv("CFG_TABLE")
}

func AnswerDedupeTableName() string {
	return os.Getenv("ANSWER_DEDUPE_TABLE")
}

func ContentQueueURL() string {
	return os.Getenv("SQS_URL")
}
