package mcpserver

// SessionFormatContract describes the session document format that LLM
// consumers should follow when creating sessions.
const SessionFormatContract = `# Chatshelf Session Format

Every session is one JSON document stored as <id>.json in the sessions directory.

## Structure

` + "```" + `json
{
  "id": "trip-2025-03",
  "title": "Planning the Kyoto trip",
  "tags": ["travel", "japan"],
  "createdAt": "2025-03-01T10:00:00Z",
  "updatedAt": "2025-03-01T10:42:00Z",
  "messages": [
    {"role": "user", "content": "Where should I stay in Kyoto?"},
    {"role": "assistant", "content": "Gion or near Kyoto Station are both good bases."}
  ]
}
` + "```" + `

## Rules

1. **id** uses letters, digits, dot, dash and underscore, starts with a letter or digit,
   and is at most 200 characters. It is generated when omitted on create.
2. **title** is optional. Without one, the first line of the first user message is used.
3. **tags** is an array of strings, 1 to 64 characters each. Duplicates are ignored.
4. **createdAt** and **updatedAt** are RFC 3339 timestamps. The server stamps them on write;
   ` + "`" + `updatedAt` + "`" + ` is never earlier than ` + "`" + `createdAt` + "`" + `.
5. **messages** is an array of ` + "`" + `{role, content}` + "`" + ` objects. Role is one of
   ` + "`" + `user` + "`" + `, ` + "`" + `assistant` + "`" + `, ` + "`" + `system` + "`" + `, ` + "`" + `tool` + "`" + `.
6. **Encoding** is UTF-8 JSON. Unknown fields are preserved on disk but not indexed.

## Index

The index holds one entry per session with id, title, tags, timestamps, byte size and
message count. It is updated in batches after writes and repaired by reconcile passes,
so a new session may take a moment to show up in ` + "`" + `list_sessions` + "`" + `.
`
