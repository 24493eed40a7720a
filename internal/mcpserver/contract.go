package mcpserver

// RecordFormatContract explains to LLM clients how record payloads are
// shaped and how partial updates are applied.
const RecordFormatContract = `# Verdant Record Format

Every record has a **kind** (plant, fertilizer, composting_method,
growing_ground, seasonal_tip) and an **id**. Its data lives in two halves:

- **fields**: a few flat, indexed values (strings or string lists) that lists
  and filters read directly. Call ` + "`get_record_schema`" + ` to see which keys
  they are for a kind.
- **document**: one nested JSON object holding everything else.

When you send a payload you do not split it yourself: put all keys at the
top level and the server routes each one to the right half.

## Partial updates

` + "`update_record`" + ` takes a sparse payload. Only the keys you send change.

1. A key you leave out keeps its stored value.
2. Objects merge key by key, at any depth. ` + "`{\"care\": {\"watering\": \"Daily\"}}`" + `
   changes care.watering and leaves every other care.* value alone.
3. Lists are **replaced**, never appended to. Send the whole list.
4. ` + "`null`" + ` is a real value: it clears the key.
5. ` + "`id`, `owner_id`, `created_at`, `updated_at`" + ` are ignored.

Missing values are shown as "Not specified" (free text), "Unknown"
(enumerations), [] (lists) or {min: null, max: null, text_range: "Not
specified"} (numeric ranges). You never need to send placeholders.

## Images

Image keys (see ` + "`images`" + ` in the schema) accept either a URL or an inline
image: ` + "`data:image/png;base64,...`" + ` (png, jpeg, gif, webp, svg; 10 MB
max). Inline images are uploaded and replaced by their URL before the
record is written. To attach an image that lives on the web, use
` + "`attach_image`" + ` with its URL.

## Example

` + "```json" + `
{
  "kind": "plant",
  "id": "cherry-tomato",
  "fields": {
    "common_name": "Cherry Tomato",
    "description": "Small, sweet fruits on vigorous vines.",
    "care": {"watering": "Deep, twice a week"},
    "growth": {"height_cm": {"min": 120, "max": 180, "text_range": "1.2-1.8 m"}},
    "tags": ["fruit", "annual"]
  }
}
` + "```" + `
`
